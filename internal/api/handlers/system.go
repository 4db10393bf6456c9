package handlers

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roea-ai/reel/internal/core/orchestrator"
	"github.com/roea-ai/reel/pkg/types"
)

// SystemHandler handles health, healing and resource requests.
type SystemHandler struct {
	orch *orchestrator.Orchestrator
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(orch *orchestrator.Orchestrator) *SystemHandler {
	return &SystemHandler{orch: orch}
}

// Health returns the evaluated health of the system.
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.GetSystemHealth())
}

// ComponentHistory returns the retained health records of one component.
func (h *SystemHandler) ComponentHistory(c *gin.Context) {
	component := c.Param("component")
	monitor := h.orch.Health()
	if !slices.Contains(monitor.Components(), component) {
		respondError(c, types.NotFoundError("health component", component))
		return
	}
	c.JSON(http.StatusOK, monitor.History(component))
}

// TriggerHealing runs a forced health cycle and returns the actions taken.
func (h *SystemHandler) TriggerHealing(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.TriggerSelfHealing(c.Request.Context()))
}

// HealingHistory returns recent healing outcomes.
func (h *SystemHandler) HealingHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	outcomes, err := h.orch.HealingHistory(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcomes)
}

// Resources returns the latest snapshot, threshold levels and reservations.
func (h *SystemHandler) Resources(c *gin.Context) {
	res := h.orch.Resources()
	body := gin.H{
		"latest":   res.Latest(),
		"levels":   res.Levels(),
		"reserved": res.Reserved(),
	}
	if c.Query("history") == "true" {
		body["history"] = res.History()
	}
	c.JSON(http.StatusOK, body)
}
