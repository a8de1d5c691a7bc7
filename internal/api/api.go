// Package api exposes the operator HTTP API: agent control, live call
// inspection, conversation history, transfer and cost reporting.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mwhited/outcall/internal/call"
	"github.com/mwhited/outcall/internal/carrier"
	"github.com/mwhited/outcall/internal/config"
	"github.com/mwhited/outcall/internal/dialer"
	"github.com/mwhited/outcall/internal/store"
)

// Agent is the dispatcher control surface.
type Agent interface {
	Start(ctx context.Context, items []dialer.CallItem, delay time.Duration) error
	Stop()
	Pause()
	Resume()
	State() string
	Stats() dialer.Stats
	Enqueue(items ...dialer.CallItem)
	EnqueueLead(item dialer.CallItem) error
	SetMaxConcurrent(n int)
}

// Calls is the live-call surface.
type Calls interface {
	SessionStage(callID string) (string, bool)
	Hangup(ctx context.Context, callID string) error
	SetTransferNumber(to string)
}

// Store is the persistence surface the API reads and prunes.
type Store interface {
	Lead(ctx context.Context, id int64) (store.Lead, error)
	LeadByPhone(ctx context.Context, digits string) (store.Lead, error)
	Leads(ctx context.Context, ids []int64) ([]store.Lead, error)
	SearchLeads(ctx context.Context, term string, limit, offset int) ([]store.Lead, int, error)
	Conversation(ctx context.Context, callID string) (store.Conversation, error)
	Conversations(ctx context.Context, f store.ConversationFilter) ([]store.Conversation, int, error)
	DeleteConversations(ctx context.Context) (int64, error)
	ConversationStatusCounts(ctx context.Context) (map[string]int, error)
	Transfers(ctx context.Context) ([]store.Transfer, error)
	DeleteTransfers(ctx context.Context) (int64, error)
	CostSummary(ctx context.Context) (store.CostSummary, error)
	CallTotals(ctx context.Context) (total, silent int, err error)
	CallByID(ctx context.Context, callID string) (store.CallRecord, error)
}

// Settings is the mutable runtime configuration exposed over the API.
type Settings struct {
	MaxConcurrentCalls int           `json:"maxConcurrentCalls"`
	DelayBetweenCalls  time.Duration `json:"-"`
	TransferNumber     string        `json:"transferNumber"`
}

// settingsJSON is the wire shape; the delay is exposed in milliseconds.
type settingsJSON struct {
	MaxConcurrentCalls  int    `json:"maxConcurrentCalls"`
	DelayBetweenCallsMS int64  `json:"delayBetweenCallsMs"`
	TransferNumber      string `json:"transferNumber"`
}

// Server is the operator API.
type Server struct {
	agent    Agent
	calls    Calls
	store    Store
	manager  *call.Manager
	registry *call.Registry
	log      *slog.Logger

	mu       sync.Mutex
	settings Settings
}

// New builds the API server.
func New(agent Agent, calls Calls, st Store, manager *call.Manager, registry *call.Registry, settings Settings, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		agent:    agent,
		calls:    calls,
		store:    st,
		manager:  manager,
		registry: registry,
		log:      log,
		settings: settings,
	}
}

// Routes returns the chi router for mounting under /api.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/agent", func(r chi.Router) {
		r.Post("/start", s.handleAgentStart)
		r.Post("/stop", s.handleAgentStop)
		r.Post("/pause", s.handleAgentPause)
		r.Post("/resume", s.handleAgentResume)
		r.Get("/status", s.handleAgentStatus)
		r.Get("/stats", s.handleAgentStats)
		r.Get("/config", s.handleConfigGet)
		r.Put("/config", s.handleConfigPut)
		r.Get("/transferred-calls", s.handleTransfers)
		r.Delete("/transferred-calls", s.handleTransfersDelete)
	})
	r.Route("/calls", func(r chi.Router) {
		r.Post("/initiate", s.handleCallInitiate)
		r.Get("/active", s.handleCallsActive)
		r.Post("/hangup", s.handleCallHangup)
		r.Post("/{callID}/hangup", s.handleCallHangup)
		r.Get("/{callID}/status", s.handleCallStatus)
	})
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleConversations)
		r.Delete("/", s.handleConversationsDelete)
		r.Get("/{callID}", s.handleConversation)
	})
	r.Get("/leads", s.handleLeads)
	r.Get("/costs/summary", s.handleCostSummary)
	return r
}

// --- response envelope ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// --- agent ---

type startRequest struct {
	LeadIDs             []int64 `json:"leadIds"`
	DelayBetweenCallsMS int64   `json:"delayBetweenCallsMs"`
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		// An empty body starts the agent over all pending leads.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	leads, err := s.store.Leads(r.Context(), req.LeadIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load leads: "+err.Error())
		return
	}
	if len(leads) == 0 {
		writeError(w, http.StatusBadRequest, "no callable leads found")
		return
	}
	items := make([]dialer.CallItem, 0, len(leads))
	for _, l := range leads {
		items = append(items, dialer.CallItem{Lead: l})
	}

	delay := time.Duration(req.DelayBetweenCallsMS) * time.Millisecond
	if err := s.agent.Start(context.Background(), items, delay); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": len(items), "state": s.agent.State()})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	s.agent.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.agent.State()})
}

func (s *Server) handleAgentPause(w http.ResponseWriter, r *http.Request) {
	s.agent.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.agent.State()})
}

func (s *Server) handleAgentResume(w http.ResponseWriter, r *http.Request) {
	s.agent.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"state": s.agent.State()})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.agent.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       stats.State,
		"queued":      stats.Queued,
		"activeCalls": stats.Active,
	})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats := s.agent.Stats()
	summary, err := s.store.CostSummary(r.Context())
	if err != nil {
		s.log.Warn("cost summary failed", "error", err)
	}
	total, silent, err := s.store.CallTotals(r.Context())
	if err != nil {
		s.log.Warn("call totals failed", "error", err)
	}
	counts, err := s.store.ConversationStatusCounts(r.Context())
	if err != nil {
		s.log.Warn("status counts failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dialer":       stats,
		"costs":        summary,
		"totalCalls":   total,
		"silentCalls":  silent,
		"statusCounts": counts,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cfg := s.settings
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, settingsJSON{
		MaxConcurrentCalls:  cfg.MaxConcurrentCalls,
		DelayBetweenCallsMS: cfg.DelayBetweenCalls.Milliseconds(),
		TransferNumber:      cfg.TransferNumber,
	})
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	var req settingsJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.MaxConcurrentCalls < config.MinConcurrentCalls || req.MaxConcurrentCalls > config.MaxConcurrentCalls {
		writeError(w, http.StatusBadRequest, "maxConcurrentCalls must be between 1 and 50")
		return
	}

	s.mu.Lock()
	s.settings.MaxConcurrentCalls = req.MaxConcurrentCalls
	if req.DelayBetweenCallsMS > 0 {
		s.settings.DelayBetweenCalls = time.Duration(req.DelayBetweenCallsMS) * time.Millisecond
	}
	if req.TransferNumber != "" {
		s.settings.TransferNumber = req.TransferNumber
	}
	cfg := s.settings
	s.mu.Unlock()

	s.agent.SetMaxConcurrent(cfg.MaxConcurrentCalls)
	s.calls.SetTransferNumber(cfg.TransferNumber)
	writeJSON(w, http.StatusOK, settingsJSON{
		MaxConcurrentCalls:  cfg.MaxConcurrentCalls,
		DelayBetweenCallsMS: cfg.DelayBetweenCalls.Milliseconds(),
		TransferNumber:      cfg.TransferNumber,
	})
}

// --- calls ---

type initiateRequest struct {
	LeadID int64  `json:"leadId"`
	Phone  string `json:"phone"`
}

func (s *Server) handleCallInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	var lead store.Lead
	var err error
	switch {
	case req.LeadID > 0:
		lead, err = s.store.Lead(r.Context(), req.LeadID)
	case req.Phone != "":
		lead, err = s.store.LeadByPhone(r.Context(), carrier.Digits(req.Phone))
	default:
		writeError(w, http.StatusBadRequest, "leadId or phone required")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if existing, ok := s.registry.Lookup(lead.Phone); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success":        false,
			"error":          "call already in progress for this phone",
			"existingCallId": existing,
		})
		return
	}

	item := dialer.CallItem{Lead: lead}
	if s.agent.State() == dialer.StateStopped {
		if err := s.agent.Start(context.Background(), []dialer.CallItem{item}, 0); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	} else if err := s.agent.EnqueueLead(item); err != nil {
		// Lost a race with another initiate for the same phone.
		existing, _ := s.registry.Lookup(lead.Phone)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"success":        false,
			"error":          err.Error(),
			"existingCallId": existing,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"leadId": lead.ID, "phone": lead.Phone})
}

func (s *Server) handleCallsActive(w http.ResponseWriter, r *http.Request) {
	type activeCall struct {
		CallID    string    `json:"callId"`
		LeadID    int64     `json:"leadId"`
		Phone     string    `json:"phone"`
		FromDID   string    `json:"fromDid"`
		StartedAt time.Time `json:"startedAt"`
		Stage     string    `json:"stage,omitempty"`
	}
	var out []activeCall
	for _, cc := range s.manager.Active() {
		ac := activeCall{
			CallID:    cc.ID,
			LeadID:    cc.LeadID,
			Phone:     cc.Phone,
			FromDID:   cc.FromDID,
			StartedAt: cc.StartedAt,
		}
		if stage, ok := s.calls.SessionStage(cc.ID); ok {
			ac.Stage = stage
		}
		out = append(out, ac)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": out, "count": len(out)})
}

func (s *Server) handleCallHangup(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		var body struct {
			CallID string `json:"callId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CallID == "" {
			writeError(w, http.StatusBadRequest, "callId is required")
			return
		}
		callID = body.CallID
	}
	if err := s.calls.Hangup(r.Context(), callID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"callId": callID})
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	if cc, ok := s.manager.Lookup(callID); ok {
		stage, _ := s.calls.SessionStage(callID)
		writeJSON(w, http.StatusOK, map[string]any{
			"callId": callID, "live": true, "phone": cc.Phone,
			"active": cc.Active(), "stage": stage,
		})
		return
	}
	rec, err := s.store.CallByID(r.Context(), callID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callId": rec.CallID, "live": false, "phone": rec.ToPhone,
		"status": rec.Status, "webhookReceived": rec.WebhookReceived,
	})
}

// --- conversations ---

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	f := store.ConversationFilter{
		Filter:   q.Get("filter"),
		Duration: q.Get("durationFilter"),
		Limit:    limit,
		Offset:   intParam(q.Get("offset"), 0),
	}
	convs, total, err := s.store.Conversations(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         total,
		"limit":         f.Limit,
		"offset":        f.Offset,
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	conv, err := s.store.Conversation(r.Context(), callID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationsDelete(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// --- transfers, leads, costs ---

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.store.Transfers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": transfers, "count": len(transfers)})
}

func (s *Server) handleTransfersDelete(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.DeleteTransfers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 50)
	if limit > 200 {
		limit = 200
	}
	leads, total, err := s.store.SearchLeads(r.Context(), q.Get("search"), limit, intParam(q.Get("offset"), 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads, "total": total})
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.CostSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
