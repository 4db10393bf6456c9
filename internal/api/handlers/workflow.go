package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roea-ai/reel/internal/core/orchestrator"
	"github.com/roea-ai/reel/internal/core/workflow"
	"github.com/roea-ai/reel/pkg/types"
)

// WorkflowHandler handles workflow definition and run requests.
type WorkflowHandler struct {
	orch *orchestrator.Orchestrator
}

// NewWorkflowHandler creates a new WorkflowHandler.
func NewWorkflowHandler(orch *orchestrator.Orchestrator) *WorkflowHandler {
	return &WorkflowHandler{orch: orch}
}

// ListDefinitions returns all registered definitions.
func (h *WorkflowHandler) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Engine().Definitions())
}

// GetDefinition returns one definition.
func (h *WorkflowHandler) GetDefinition(c *gin.Context) {
	def, err := h.orch.Engine().Definition(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// RegisterDefinition registers a definition under the path name.
func (h *WorkflowHandler) RegisterDefinition(c *gin.Context) {
	var def types.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		bindError(c, err)
		return
	}

	name := c.Param("name")
	if err := h.orch.RegisterWorkflowDefinition(name, &def); err != nil {
		respondError(c, err)
		return
	}
	if def.Name == "" {
		def.Name = name
	}
	c.JSON(http.StatusCreated, def)
}

// Submit queues a workflow run.
func (h *WorkflowHandler) Submit(c *gin.Context) {
	var req workflow.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	id, err := h.orch.SubmitWorkflow(&req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id, "status": types.RunQueued})
}

// ListRuns returns runs matching the query filter.
func (h *WorkflowHandler) ListRuns(c *gin.Context) {
	filter := &types.RunFilter{Definition: c.Query("definition")}
	for _, s := range c.QueryArray("status") {
		filter.Status = append(filter.Status, types.RunStatus(s))
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			respondError(c, types.ValidationError("invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}

	runs := h.orch.ListWorkflows(filter)
	if runs == nil {
		runs = []*types.WorkflowRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun returns a run snapshot.
func (h *WorkflowHandler) GetRun(c *gin.Context) {
	run, err := h.orch.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetReport returns the report of a finished run.
func (h *WorkflowHandler) GetReport(c *gin.Context) {
	run, err := h.orch.GetWorkflowStatus(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if run.Report == nil {
		respondError(c, types.NewError(types.CodeInvalidState, "run %s has not finished", run.ID).With("status", run.Status))
		return
	}
	c.JSON(http.StatusOK, run.Report)
}

// Cancel cancels a run.
func (h *WorkflowHandler) Cancel(c *gin.Context) {
	if err := h.orch.CancelWorkflow(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": types.RunCancelled})
}

// Stats returns engine statistics.
func (h *WorkflowHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Engine().Stats())
}
