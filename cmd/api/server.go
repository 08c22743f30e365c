package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldcrm/customer"
	"fieldcrm/scoring"
	"fieldcrm/sequence"
)

type scoringService interface {
	CalculateScores(ctx context.Context, tenantID string) (int, error)
	Leaderboard(ctx context.Context, tenantID string, limit int) ([]scoring.LeaderboardEntry, error)
	ListRules(ctx context.Context, tenantID string) ([]scoring.Rule, error)
	CreateRule(ctx context.Context, rule scoring.Rule) (scoring.Rule, error)
	UpdateRule(ctx context.Context, rule scoring.Rule) (scoring.Rule, error)
	DeleteRule(ctx context.Context, tenantID, id string) error
}

type sequenceService interface {
	CreateSequence(ctx context.Context, seq sequence.Sequence) (sequence.Sequence, error)
	GetSequence(ctx context.Context, tenantID, id string) (sequence.Sequence, error)
	ListSequences(ctx context.Context, tenantID string) ([]sequence.Summary, error)
	UpdateSequenceStatus(ctx context.Context, tenantID, id string, status sequence.Status) error
	DeleteSequence(ctx context.Context, tenantID, id string) error
	Enroll(ctx context.Context, p sequence.EnrollParams) (sequence.Enrollment, error)
	Unenroll(ctx context.Context, tenantID, enrollmentID string) (sequence.Enrollment, error)
	Pause(ctx context.Context, tenantID, enrollmentID, reason string) (sequence.Enrollment, error)
	Resume(ctx context.Context, tenantID, enrollmentID string) (sequence.Enrollment, error)
	AutoEnroll(ctx context.Context, tenantID string) (sequence.AutoEnrollResult, error)
}

type Server struct {
	scoring          scoringService
	sequences        sequenceService
	logger           *slog.Logger
	leaderboardLimit int
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/tenants/{tenant}/scoring/calculate", s.handleCalculateScores)
	mux.HandleFunc("GET /api/tenants/{tenant}/scoring/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/tenants/{tenant}/scoring/rules", s.handleListRules)
	mux.HandleFunc("POST /api/tenants/{tenant}/scoring/rules", s.handleCreateRule)
	mux.HandleFunc("PUT /api/tenants/{tenant}/scoring/rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/tenants/{tenant}/scoring/rules/{id}", s.handleDeleteRule)

	mux.HandleFunc("GET /api/tenants/{tenant}/sequences", s.handleListSequences)
	mux.HandleFunc("POST /api/tenants/{tenant}/sequences", s.handleCreateSequence)
	mux.HandleFunc("POST /api/tenants/{tenant}/sequences/auto-enroll", s.handleAutoEnroll)
	mux.HandleFunc("GET /api/tenants/{tenant}/sequences/{id}", s.handleGetSequence)
	mux.HandleFunc("PATCH /api/tenants/{tenant}/sequences/{id}/status", s.handleSequenceStatus)
	mux.HandleFunc("DELETE /api/tenants/{tenant}/sequences/{id}", s.handleDeleteSequence)
	mux.HandleFunc("POST /api/tenants/{tenant}/sequences/{id}/enrollments", s.handleEnroll)

	mux.HandleFunc("POST /api/tenants/{tenant}/enrollments/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/tenants/{tenant}/enrollments/{id}/resume", s.handleResume)
	mux.HandleFunc("DELETE /api/tenants/{tenant}/enrollments/{id}", s.handleUnenroll)
	return mux
}

type leaderboardEntryResponse struct {
	CustomerID    string `json:"customerId"`
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	TotalPoints   int    `json:"totalPoints"`
	Grade         string `json:"grade"`
	CalculatedAt  string `json:"calculatedAt"`
}

type ruleRequest struct {
	Category    string `json:"category"`
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	Value       string `json:"value"`
	Points      int    `json:"points"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"`
}

type ruleResponse struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	Value       string `json:"value"`
	Points      int    `json:"points"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"isActive"`
}

type stepRequest struct {
	ActionType string         `json:"actionType"`
	Channel    string         `json:"channel"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Config     map[string]any `json:"config"`
	DelayDays  int            `json:"delayDays"`
	SortOrder  int            `json:"sortOrder"`
}

type sequenceRequest struct {
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	TriggerConditions string        `json:"triggerConditions"`
	Status            string        `json:"status"`
	CreatedBy         string        `json:"createdBy"`
	Steps             []stepRequest `json:"steps"`
}

type stepResponse struct {
	ID         string         `json:"id"`
	ActionType string         `json:"actionType"`
	Channel    string         `json:"channel,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	DelayDays  int            `json:"delayDays"`
	SortOrder  int            `json:"sortOrder"`
}

type sequenceResponse struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	TriggerConditions string         `json:"triggerConditions,omitempty"`
	Status            string         `json:"status"`
	Steps             []stepResponse `json:"steps,omitempty"`
	StepCount         *int           `json:"stepCount,omitempty"`
	ActiveEnrollments *int           `json:"activeEnrollments,omitempty"`
}

type enrollRequest struct {
	CustomerID string `json:"customerId"`
	DealID     string `json:"dealId"`
	EnrolledBy string `json:"enrolledBy"`
}

type enrollmentResponse struct {
	ID           string  `json:"id"`
	SequenceID   string  `json:"sequenceId"`
	CustomerID   string  `json:"customerId"`
	Status       string  `json:"status"`
	CurrentStep  int     `json:"currentStep"`
	NextActionAt *string `json:"nextActionAt"`
	PauseReason  string  `json:"pauseReason,omitempty"`
}

func (s *Server) handleCalculateScores(w http.ResponseWriter, r *http.Request) {
	n, err := s.scoring.CalculateScores(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"calculated": n})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := s.leaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}

	entries, err := s.scoring.Leaderboard(r.Context(), r.PathValue("tenant"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]leaderboardEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, leaderboardEntryResponse{
			CustomerID:    e.CustomerID,
			CustomerName:  e.CustomerName,
			CustomerEmail: e.CustomerEmail,
			TotalPoints:   e.TotalPoints,
			Grade:         string(e.Grade),
			CalculatedAt:  e.CalculatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.scoring.ListRules(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toRuleResponse(rule))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := s.scoring.CreateRule(r.Context(), req.toRule(r.PathValue("tenant"), ""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rule, err := s.scoring.UpdateRule(r.Context(), req.toRule(r.PathValue("tenant"), r.PathValue("id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.scoring.DeleteRule(r.Context(), r.PathValue("tenant"), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	list, err := s.sequences.ListSequences(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sequenceResponse, 0, len(list))
	for _, sum := range list {
		resp := toSequenceResponse(sum.Sequence)
		steps, active := sum.StepCount, sum.ActiveEnrollments
		resp.StepCount = &steps
		resp.ActiveEnrollments = &active
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req sequenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seq := sequence.Sequence{
		TenantID:          r.PathValue("tenant"),
		Name:              req.Name,
		Description:       req.Description,
		TriggerConditions: req.TriggerConditions,
		Status:            sequence.Status(req.Status),
		CreatedBy:         req.CreatedBy,
	}
	for _, st := range req.Steps {
		seq.Steps = append(seq.Steps, sequence.Step{
			ActionType: sequence.ActionType(st.ActionType),
			Channel:    st.Channel,
			Subject:    st.Subject,
			Body:       st.Body,
			Config:     st.Config,
			DelayDays:  st.DelayDays,
			SortOrder:  st.SortOrder,
		})
	}
	created, err := s.sequences.CreateSequence(r.Context(), seq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSequenceResponse(created))
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.sequences.GetSequence(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSequenceResponse(seq))
}

func (s *Server) handleSequenceStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sequences.UpdateSequenceStatus(r.Context(), r.PathValue("tenant"), r.PathValue("id"), sequence.Status(req.Status)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	if err := s.sequences.DeleteSequence(r.Context(), r.PathValue("tenant"), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "customerId required"})
		return
	}
	e, err := s.sequences.Enroll(r.Context(), sequence.EnrollParams{
		TenantID:   r.PathValue("tenant"),
		SequenceID: r.PathValue("id"),
		CustomerID: req.CustomerID,
		DealID:     req.DealID,
		EnrolledBy: req.EnrolledBy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEnrollmentResponse(e))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	e, err := s.sequences.Pause(r.Context(), r.PathValue("tenant"), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(e))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	e, err := s.sequences.Resume(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(e))
}

func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	e, err := s.sequences.Unenroll(r.Context(), r.PathValue("tenant"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentResponse(e))
}

func (s *Server) handleAutoEnroll(w http.ResponseWriter, r *http.Request) {
	res, err := s.sequences.AutoEnroll(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"sequences": res.Sequences,
		"evaluated": res.Evaluated,
		"enrolled":  res.Enrolled,
		"errors":    res.Errors,
	})
}

func (req ruleRequest) toRule(tenantID, id string) scoring.Rule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return scoring.Rule{
		ID:          id,
		TenantID:    tenantID,
		Category:    scoring.Category(req.Category),
		Field:       req.Field,
		Operator:    scoring.Operator(req.Operator),
		Value:       req.Value,
		Points:      req.Points,
		Description: req.Description,
		Active:      active,
	}
}

func toRuleResponse(r scoring.Rule) ruleResponse {
	return ruleResponse{
		ID:          r.ID,
		Category:    string(r.Category),
		Field:       r.Field,
		Operator:    string(r.Operator),
		Value:       r.Value,
		Points:      r.Points,
		Description: r.Description,
		IsActive:    r.Active,
	}
}

func toSequenceResponse(seq sequence.Sequence) sequenceResponse {
	resp := sequenceResponse{
		ID:                seq.ID,
		Name:              seq.Name,
		Description:       seq.Description,
		TriggerConditions: seq.TriggerConditions,
		Status:            string(seq.Status),
	}
	for _, st := range seq.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			ID:         st.ID,
			ActionType: string(st.ActionType),
			Channel:    st.Channel,
			Subject:    st.Subject,
			Body:       st.Body,
			Config:     st.Config,
			DelayDays:  st.DelayDays,
			SortOrder:  st.SortOrder,
		})
	}
	return resp
}

func toEnrollmentResponse(e sequence.Enrollment) enrollmentResponse {
	resp := enrollmentResponse{
		ID:          e.ID,
		SequenceID:  e.SequenceID,
		CustomerID:  e.CustomerID,
		Status:      string(e.Status),
		CurrentStep: e.CurrentStep,
		PauseReason: e.PauseReason,
	}
	if e.NextActionAt != nil {
		ts := e.NextActionAt.UTC().Format(time.RFC3339)
		resp.NextActionAt = &ts
	}
	return resp
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scoring.ErrInvalidRule),
		errors.Is(err, sequence.ErrInvalidSequence),
		errors.Is(err, sequence.ErrInvalidTrigger):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, scoring.ErrRuleNotFound),
		errors.Is(err, sequence.ErrNotFound),
		errors.Is(err, customer.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sequence.ErrAlreadyEnrolled),
		errors.Is(err, sequence.ErrInvalidTransition),
		errors.Is(err, sequence.ErrTerminal),
		errors.Is(err, sequence.ErrSequenceInactive):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
