package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roea-ai/reel/internal/core/orchestrator"
	"github.com/roea-ai/reel/pkg/types"
)

// AgentHandler handles agent kind and instance requests.
type AgentHandler struct {
	orch *orchestrator.Orchestrator
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(orch *orchestrator.Orchestrator) *AgentHandler {
	return &AgentHandler{orch: orch}
}

// ListKinds returns all registered agent kinds.
func (h *AgentHandler) ListKinds(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Registry().Kinds())
}

// GetKind returns one agent kind.
func (h *AgentHandler) GetKind(c *gin.Context) {
	kind, err := h.orch.Lookup(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kind)
}

// RegisterKind adds an agent kind.
func (h *AgentHandler) RegisterKind(c *gin.Context) {
	var kind types.AgentKind
	if err := c.ShouldBindJSON(&kind); err != nil {
		bindError(c, err)
		return
	}

	if err := h.orch.RegisterKind(&kind); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, kind)
}

// CheckDependencies lists the unmet dependencies of a kind.
func (h *AgentHandler) CheckDependencies(c *gin.Context) {
	unmet, err := h.orch.Registry().CheckDependencies(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if unmet == nil {
		unmet = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"kind": c.Param("name"), "unmet": unmet, "satisfied": len(unmet) == 0})
}

// ListInstances returns deployed instances, optionally of one kind.
func (h *AgentHandler) ListInstances(c *gin.Context) {
	if kind := c.Query("kind"); kind != "" {
		instances := h.orch.Registry().InstancesOf(kind)
		if instances == nil {
			instances = []*types.AgentInstance{}
		}
		c.JSON(http.StatusOK, instances)
		return
	}
	c.JSON(http.StatusOK, h.orch.Instances())
}

// GetInstance returns one instance.
func (h *AgentHandler) GetInstance(c *gin.Context) {
	inst, err := h.orch.Registry().Instance(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// DeployRequest is the body of a deploy request.
type DeployRequest struct {
	Kind   string            `json:"kind" binding:"required"`
	Config map[string]string `json:"config,omitempty"`
}

// Deploy starts an instance of a kind.
func (h *AgentHandler) Deploy(c *gin.Context) {
	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	inst, err := h.orch.DeployAgent(c.Request.Context(), req.Kind, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// Terminate stops an instance.
func (h *AgentHandler) Terminate(c *gin.Context) {
	if err := h.orch.TerminateAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "terminated"})
}
