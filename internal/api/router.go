// Package api provides the REST API for Reel.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/roea-ai/reel/internal/api/handlers"
	"github.com/roea-ai/reel/internal/core/orchestrator"
	"github.com/roea-ai/reel/pkg/types"
)

const subscriberID = "api_broadcaster"

// Router holds all API dependencies and routes.
type Router struct {
	engine *gin.Engine
	orch   *orchestrator.Orchestrator
	log    zerolog.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// WebSocket clients. Writers hold the lock exclusively since a
	// connection supports one concurrent writer.
	wsClientsMu sync.Mutex
	wsClients   map[*websocket.Conn]bool

	closeOnce sync.Once
	done      sync.WaitGroup
}

// NewRouter creates a new API router and starts forwarding orchestrator
// events to WebSocket clients.
func NewRouter(orch *orchestrator.Orchestrator, log zerolog.Logger) *Router {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))

	r := &Router{
		engine: engine,
		orch:   orch,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		wsClients: make(map[*websocket.Conn]bool),
	}

	r.setupRoutes()
	r.forwardEvents()

	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API v1 group
	v1 := r.engine.Group("/api/v1")
	{
		// Agents
		agents := v1.Group("/agents")
		{
			agents.GET("/kinds", r.listKinds)
			agents.POST("/kinds", r.registerKind)
			agents.GET("/kinds/:name", r.getKind)
			agents.GET("/kinds/:name/dependencies", r.checkDependencies)
			agents.GET("/instances", r.listInstances)
			agents.POST("/instances", r.deployAgent)
			agents.GET("/instances/:id", r.getInstance)
			agents.DELETE("/instances/:id", r.terminateAgent)
		}

		// Workflows
		workflows := v1.Group("/workflows")
		{
			workflows.GET("/definitions", r.listDefinitions)
			workflows.GET("/definitions/:name", r.getDefinition)
			workflows.PUT("/definitions/:name", r.registerDefinition)
			workflows.GET("/runs", r.listRuns)
			workflows.POST("/runs", r.submitWorkflow)
			workflows.GET("/runs/:id", r.getRun)
			workflows.GET("/runs/:id/report", r.getReport)
			workflows.POST("/runs/:id/cancel", r.cancelWorkflow)
			workflows.GET("/stats", r.getStats)
		}

		// System
		system := v1.Group("/system")
		{
			system.GET("/health", r.getSystemHealth)
			system.GET("/health/:component", r.getComponentHistory)
			system.GET("/healing", r.getHealingHistory)
			system.POST("/healing", r.triggerHealing)
			system.GET("/resources", r.getResources)
		}
	}

	// WebSocket for real-time updates
	r.engine.GET("/ws", r.handleWebSocket)
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Agent handlers

func (r *Router) listKinds(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.ListKinds(c)
}

func (r *Router) registerKind(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.RegisterKind(c)
}

func (r *Router) getKind(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.GetKind(c)
}

func (r *Router) checkDependencies(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.CheckDependencies(c)
}

func (r *Router) listInstances(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.ListInstances(c)
}

func (r *Router) deployAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.Deploy(c)
}

func (r *Router) getInstance(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.GetInstance(c)
}

func (r *Router) terminateAgent(c *gin.Context) {
	h := handlers.NewAgentHandler(r.orch)
	h.Terminate(c)
}

// Workflow handlers

func (r *Router) listDefinitions(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.ListDefinitions(c)
}

func (r *Router) getDefinition(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.GetDefinition(c)
}

func (r *Router) registerDefinition(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.RegisterDefinition(c)
}

func (r *Router) listRuns(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.ListRuns(c)
}

func (r *Router) submitWorkflow(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.Submit(c)
}

func (r *Router) getRun(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.GetRun(c)
}

func (r *Router) getReport(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.GetReport(c)
}

func (r *Router) cancelWorkflow(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.Cancel(c)
}

func (r *Router) getStats(c *gin.Context) {
	h := handlers.NewWorkflowHandler(r.orch)
	h.Stats(c)
}

// System handlers

func (r *Router) getSystemHealth(c *gin.Context) {
	h := handlers.NewSystemHandler(r.orch)
	h.Health(c)
}

func (r *Router) getComponentHistory(c *gin.Context) {
	h := handlers.NewSystemHandler(r.orch)
	h.ComponentHistory(c)
}

func (r *Router) getHealingHistory(c *gin.Context) {
	h := handlers.NewSystemHandler(r.orch)
	h.HealingHistory(c)
}

func (r *Router) triggerHealing(c *gin.Context) {
	h := handlers.NewSystemHandler(r.orch)
	h.TriggerHealing(c)
}

func (r *Router) getResources(c *gin.Context) {
	h := handlers.NewSystemHandler(r.orch)
	h.Resources(c)
}

// WebSocket handler

func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Register client
	r.wsClientsMu.Lock()
	r.wsClients[conn] = true
	r.wsClientsMu.Unlock()

	defer func() {
		r.wsClientsMu.Lock()
		delete(r.wsClients, conn)
		r.wsClientsMu.Unlock()
		conn.Close()
	}()

	// Send initial system health
	r.send(conn, &types.WebSocketMessage{Type: "initial_health", Payload: r.orch.GetSystemHealth()})

	// Handle incoming messages (e.g., request a run snapshot)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req struct {
			Action string `json:"action"`
			RunID  string `json:"run_id"`
		}
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}

		switch req.Action {
		case "get_run":
			run, err := r.orch.GetWorkflowStatus(req.RunID)
			if err != nil {
				r.send(conn, &types.WebSocketMessage{Type: "error", Payload: gin.H{"error": err.Error(), "code": types.CodeOf(err)}})
				continue
			}
			r.send(conn, &types.WebSocketMessage{Type: types.EventRunUpdate, Payload: run})
		case "get_health":
			r.send(conn, &types.WebSocketMessage{Type: "health", Payload: r.orch.GetSystemHealth()})
		}
	}
}

func (r *Router) send(conn *websocket.Conn, msg *types.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	r.wsClientsMu.Lock()
	defer r.wsClientsMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	conn.WriteMessage(websocket.TextMessage, data)
}

// forwardEvents relays run, threshold and orchestrator events to all
// WebSocket clients until Close is called.
func (r *Router) forwardEvents() {
	runs := r.orch.Engine().Subscribe(subscriberID)
	thresholds := r.orch.Resources().Subscribe(subscriberID)
	events := r.orch.Subscribe(subscriberID)

	r.done.Add(3)
	go func() {
		defer r.done.Done()
		for ev := range runs {
			r.BroadcastMessage(types.EventRunUpdate, ev)
		}
	}()
	go func() {
		defer r.done.Done()
		for ev := range thresholds {
			r.BroadcastMessage(types.EventThreshold, ev)
		}
	}()
	go func() {
		defer r.done.Done()
		for msg := range events {
			r.broadcast(msg)
		}
	}()
}

// BroadcastMessage sends a message to all WebSocket clients.
func (r *Router) BroadcastMessage(msgType string, payload any) {
	r.broadcast(&types.WebSocketMessage{
		Type:    msgType,
		Payload: payload,
	})
}

func (r *Router) broadcast(msg *types.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn().Err(err).Str("type", msg.Type).Msg("Failed to encode event")
		return
	}

	r.wsClientsMu.Lock()
	defer r.wsClientsMu.Unlock()

	for conn := range r.wsClients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Client will be removed when read fails
			continue
		}
	}
}

// Clients returns the number of connected WebSocket clients.
func (r *Router) Clients() int {
	r.wsClientsMu.Lock()
	defer r.wsClientsMu.Unlock()
	return len(r.wsClients)
}

// Close stops event forwarding and disconnects all WebSocket clients.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.orch.Engine().Unsubscribe(subscriberID)
		r.orch.Resources().Unsubscribe(subscriberID)
		r.orch.Unsubscribe(subscriberID)
		r.done.Wait()

		r.wsClientsMu.Lock()
		for conn := range r.wsClients {
			conn.Close()
		}
		r.wsClientsMu.Unlock()
	})
}
