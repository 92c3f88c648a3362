package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/overseer/internal/bus"
	"github.com/nidhogg/overseer/internal/collab"
	"github.com/nidhogg/overseer/internal/conflict"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/directory"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry *directory.Registry
	bus      *bus.Bus
	del      *delegate.Delegator
	engine   *collab.Engine
	resolver *conflict.Resolver
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	registry *directory.Registry,
	b *bus.Bus,
	del *delegate.Delegator,
	engine *collab.Engine,
	resolver *conflict.Resolver,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		bus:      b,
		del:      del,
		engine:   engine,
		resolver: resolver,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Agent directory routes
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Delete("/agents/{id}", h.deregisterAgent)
		r.Post("/agents/{id}/status", h.updateAgentStatus)
		r.Get("/agents/{id}/messages", h.agentMessages)
		r.Get("/agents/{id}/tasks", h.agentTasks)

		// Message bus routes
		r.Post("/messages", h.sendMessage)
		r.Post("/broadcast", h.sendBroadcast)
		r.Get("/bus/stats", h.busStats)

		// Delegation routes
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.pendingTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/assign", h.assignTask)
		r.Post("/tasks/{id}/status", h.updateTaskStatus)
		r.Post("/tasks/{id}/cancel", h.cancelTask)
		r.Get("/delegator/stats", h.delegatorStats)

		// Collaboration routes
		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.activeSessions)
		r.Get("/sessions/history", h.sessionHistory)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/start", h.startSession)
		r.Post("/sessions/{id}/join", h.joinSession)
		r.Post("/sessions/{id}/pause", h.pauseSession)
		r.Post("/sessions/{id}/resume", h.resumeSession)
		r.Post("/sessions/{id}/cancel", h.cancelSession)
		r.Get("/engine/stats", h.engineStats)

		// Conflict routes
		r.Post("/conflicts", h.reportConflict)
		r.Get("/conflicts", h.activeConflicts)
		r.Get("/conflicts/history", h.conflictHistory)
		r.Get("/conflicts/{id}", h.getConflict)
		r.Post("/conflicts/{id}/resolve", h.resolveConflict)
		r.Post("/conflicts/{id}/outcome", h.recordOutcome)
		r.Get("/resolver/stats", h.resolverStats)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "overseer"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var info directory.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if info.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	h.registry.Register(info)
	h.bus.Register(info.ID)
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.Deregister(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	h.bus.Unregister(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

type agentStatusRequest struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) updateAgentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req agentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}
	if !h.registry.UpdateStatus(r.Context(), id, directory.Status(req.Status), req.Metadata) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type sendMessageRequest struct {
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	Type        string         `json:"type"`
	Priority    string         `json:"priority,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	TTLSeconds  float64        `json:"ttl_seconds,omitempty"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SenderID == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender_id and type are required"})
		return
	}
	if req.Priority == "" {
		req.Priority = string(bus.PriorityNormal)
	}

	msg := bus.NewMessage(req.SenderID, req.RecipientID, bus.MessageType(req.Type),
		bus.Priority(req.Priority), req.Payload)
	if req.TTLSeconds > 0 {
		exp := msg.CreatedAt.Add(time.Duration(req.TTLSeconds * float64(time.Second)))
		msg.ExpiresAt = &exp
	}

	delivered := h.bus.Send(msg)
	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": msg.ID,
		"delivered":  delivered,
	})
}

type broadcastRequest struct {
	SenderID string         `json:"sender_id"`
	Type     string         `json:"type"`
	Priority string         `json:"priority,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (h *Handler) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SenderID == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender_id and type are required"})
		return
	}
	if req.Priority == "" {
		req.Priority = string(bus.PriorityNormal)
	}
	delivered := h.bus.Broadcast(req.SenderID, bus.MessageType(req.Type), req.Payload,
		bus.Priority(req.Priority))
	writeJSON(w, http.StatusOK, map[string]int{"delivered": delivered})
}

func (h *Handler) agentMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := h.bus.History(r.Context(), id, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) busStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.Stats())
}

type submitTaskRequest struct {
	RequesterID  string                `json:"requester_id"`
	TaskType     string                `json:"task_type"`
	Description  string                `json:"description"`
	Requirements delegate.Requirements `json:"requirements"`
	Priority     string                `json:"priority,omitempty"`
	Deadline     *time.Time            `json:"deadline,omitempty"`
	Dependencies []string              `json:"dependencies,omitempty"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.RequesterID == "" || req.TaskType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "requester_id and task_type are required"})
		return
	}
	if req.Priority == "" {
		req.Priority = string(delegate.PriorityNormal)
	}

	taskID := h.del.Submit(req.RequesterID, req.TaskType, req.Description,
		req.Requirements, delegate.Priority(req.Priority), req.Deadline, req.Dependencies)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := h.del.Task(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) pendingTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.del.PendingTasks()
	if tasks == nil {
		tasks = []*delegate.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) agentTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tasks := h.del.AgentTasks(id)
	if tasks == nil {
		tasks = []*delegate.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type assignTaskRequest struct {
	AgentID string `json:"agent_id"`
	Force   bool   `json:"force,omitempty"`
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	if !h.del.Assign(r.Context(), id, req.AgentID, req.Force) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task not assignable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

type taskStatusRequest struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

func (h *Handler) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}
	if !h.del.UpdateStatus(id, delegate.Status(req.Status), req.Result, req.ErrorMessage) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "status update rejected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.del.Cancel(id, req.Reason) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task not found or already settled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) delegatorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.del.Stats())
}

type createSessionRequest struct {
	InitiatorID  string         `json:"initiator_id"`
	Pattern      string         `json:"pattern"`
	Objective    string         `json:"objective"`
	Participants []string       `json:"participants"`
	Context      map[string]any `json:"context,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.InitiatorID == "" || req.Pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "initiator_id and pattern are required"})
		return
	}

	sessionID, err := h.engine.CreateSession(req.InitiatorID, collab.Pattern(req.Pattern),
		req.Objective, req.Participants, req.Context)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.StartSession(id); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.engine.CancelSession(id, req.Reason) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session not found or already settled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type joinSessionRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) joinSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req joinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	if !h.engine.JoinCollaboration(id, req.AgentID) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session not joinable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (h *Handler) pauseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.engine.PauseSession(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session not active"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.engine.ResumeSession(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session not paused"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (h *Handler) sessionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.engine.History(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := h.engine.Session(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) activeSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.engine.ActiveSessions()
	if sessions == nil {
		sessions = []*collab.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) engineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

type reportConflictRequest struct {
	Type           string         `json:"conflict_type"`
	Severity       string         `json:"severity,omitempty"`
	InvolvedAgents []string       `json:"involved_agents"`
	Description    string         `json:"description"`
	Context        map[string]any `json:"context,omitempty"`
}

func (h *Handler) reportConflict(w http.ResponseWriter, r *http.Request) {
	var req reportConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" || len(req.InvolvedAgents) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conflict_type and involved_agents are required"})
		return
	}
	if req.Severity == "" {
		req.Severity = string(conflict.SeverityMedium)
	}

	conflictID := h.resolver.Report(conflict.Type(req.Type), conflict.Severity(req.Severity),
		req.InvolvedAgents, req.Description, req.Context)
	writeJSON(w, http.StatusCreated, map[string]string{"conflict_id": conflictID})
}

func (h *Handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.resolver.Resolve(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) conflictHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.resolver.History(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) getConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.resolver.Conflict(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conflict not found"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) activeConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.resolver.ActiveConflicts()
	if conflicts == nil {
		conflicts = []*conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type outcomeRequest struct {
	Effectiveness float64 `json:"effectiveness"`
}

func (h *Handler) recordOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.resolver.RecordOutcome(id, req.Effectiveness) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conflict not found or unresolved"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handler) resolverStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.resolver.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
