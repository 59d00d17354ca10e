package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/edubuddy/internal/pipeline"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/pkg/types"
)

const (
	maxBodyBytes = 1 << 20

	defaultListLimit = 50
	maxListLimit     = 1000
)

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// queryLimit reads ?limit=, falling back to def and clamping to maxListLimit.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return min(n, maxListLimit), nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TURN HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	res := s.orch.HandleTurn(r.Context(), req.UserID, req.Text, pipeline.RequestContext{
		Grade:   req.Grade,
		Emotion: req.Emotion,
	})
	writeJSON(w, http.StatusOK, chatResponse(res))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turns, err := s.orch.ConversationHistory(r.Context(), userID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	resp := HistoryResponse{UserID: userID, Turns: make([]TurnView, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, turnView(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.orch.SafetyViolations(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("violations query failed")
		writeError(w, http.StatusInternalServerError, "violations unavailable")
		return
	}
	if v == nil {
		v = []types.SafetyViolation{}
	}
	writeJSON(w, http.StatusOK, ViolationsResponse{Violations: v})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Stats()
	resp := StatsResponse{
		Turns:            st.Turns,
		Approved:         st.Approved,
		Rejected:         st.Rejected,
		Fallbacks:        st.Fallbacks,
		Degraded:         st.Degraded,
		PersistFailures:  st.PersistFailures,
		Failures:         st.Failures,
		BySpecialist:     make(map[string]int64, len(st.BySpecialist)),
		RejectionReasons: st.RejectionReasons,
		RoutedDefault:    st.Router.DefaultHits,
		Models:           s.admin.Models(),
		ActiveExperiment: []string{},
	}
	for sp, n := range st.BySpecialist {
		resp.BySpecialist[sp.String()] = n
	}
	for _, exp := range s.admin.Experiments() {
		if exp.Active {
			resp.ActiveExperiment = append(resp.ActiveExperiment, exp.Name)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, err := queryLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	matches, err := s.orch.SearchConversations(r.Context(), q, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("search failed")
		writeError(w, http.StatusInternalServerError, "search unavailable")
		return
	}
	resp := SearchResponse{Query: q, Matches: make([]MatchView, 0, len(matches))}
	for _, m := range matches {
		resp.Matches = append(resp.Matches, MatchView{UserID: m.UserID, Turn: turnView(m.Turn)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		StartedAt: s.startedAt,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

// registryStatus maps registry errors to HTTP status codes.
func registryStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrModelNotFound),
		errors.Is(err, registry.ErrVersionNotFound),
		errors.Is(err, registry.ErrExperimentNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrRollbackOutOfRange):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidTrafficSplit),
		errors.Is(err, registry.ErrInvalidExperiment),
		errors.Is(err, registry.ErrInvalidModelName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeRegistryError(w http.ResponseWriter, op string, err error) {
	status := registryStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("registry operation failed")
		writeError(w, status, op+" failed")
		return
	}
	writeErrorDetails(w, status, op+" rejected", err)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.admin.Models()
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.admin.Versions(r.PathValue("model"))
	if err != nil {
		s.writeRegistryError(w, "list versions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	var req RegisterVersionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	v, err := s.admin.Register(r.Context(), r.PathValue("model"), req.Artifact, req.Metrics)
	if err != nil {
		s.writeRegistryError(w, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.VersionID == "" {
		writeError(w, http.StatusBadRequest, "version_id is required")
		return
	}
	v, err := s.admin.Activate(r.Context(), r.PathValue("model"), req.VersionID)
	if err != nil {
		s.writeRegistryError(w, "activate", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	req := RollbackRequest{Steps: 1}
	if err := decodeBody(r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	v, err := s.admin.Rollback(r.Context(), r.PathValue("model"), req.Steps)
	if err != nil {
		s.writeRegistryError(w, "rollback", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"experiments": s.admin.Experiments()})
}

func (s *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	var req StartExperimentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	exp, err := s.admin.StartExperiment(r.Context(), req.Name, req.Variants)
	if err != nil {
		s.writeRegistryError(w, "start experiment", err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, ok := s.admin.Experiment(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.admin.StopExperiment(r.Context(), name); err != nil {
		s.writeRegistryError(w, "stop experiment", err)
		return
	}
	exp, _ := s.admin.Experiment(name)
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleSelectVariant(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	v, ok := s.admin.SelectVariant(r.PathValue("name"), user)
	if !ok {
		writeError(w, http.StatusNotFound, "no active experiment")
		return
	}
	writeJSON(w, http.StatusOK, v)
}
