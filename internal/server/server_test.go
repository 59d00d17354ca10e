package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/normanking/edubuddy/internal/audit"
	"github.com/normanking/edubuddy/internal/auth"
	"github.com/normanking/edubuddy/internal/conversation"
	"github.com/normanking/edubuddy/internal/pipeline"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/internal/router"
	"github.com/normanking/edubuddy/internal/safety"
	"github.com/normanking/edubuddy/internal/specialist"
	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
)

const adminToken = "server-test-admin-token"

type fixedGenerator struct{ reply string }

func (g fixedGenerator) Generate(context.Context, specialist.GenerateRequest) (string, error) {
	return g.reply, nil
}

func newTestServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()

	mem := store.NewMemoryStore()
	reg := registry.New(mem)
	rt, err := router.New(router.DefaultConfig())
	require.NoError(t, err)
	gate, err := safety.NewGate(safety.DefaultRules())
	require.NoError(t, err)

	set := specialist.NewDefaultSet(reg, func(registry.AgentConfig) (specialist.Generator, error) {
		return fixedGenerator{reply: reply}, nil
	})
	orch, err := pipeline.New(pipeline.Deps{
		Router:        rt,
		Specialists:   set,
		Gate:          gate,
		Conversations: conversation.New(mem, conversation.DefaultConfig(), zerolog.Nop()),
		Violations:    audit.NewViolationLog(mem),
	})
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.MinCost)
	require.NoError(t, err)

	srv, err := New(DefaultConfig(), orch, pipeline.NewAdmin(reg, nil, zerolog.Nop()),
		WithAdminGuard(auth.NewAdminGuard(string(hash), zerolog.Nop())))
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any, admin bool) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestChatAndHistory(t *testing.T) {
	ts := newTestServer(t, "我们一起做数学练习吧。")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/chat",
		ChatRequest{UserID: "kid-1", Text: "我想学习数学", Grade: "二年级"}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var chat ChatResponse
	require.NoError(t, json.Unmarshal(body, &chat))
	assert.Equal(t, "我们一起做数学练习吧。", chat.Response)
	assert.Equal(t, types.SpecialistEducation, chat.Specialist)
	assert.Equal(t, types.VerdictApproved, chat.SafetyStatus)
	assert.True(t, chat.Persisted)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/users/kid-1/history", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, chat.TurnID, hist.Turns[0].ID)
	assert.Equal(t, "我们一起做数学练习吧。", hist.Turns[0].Response)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/search?q=练习", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var found SearchResponse
	require.NoError(t, json.Unmarshal(body, &found))
	require.Len(t, found.Matches, 1)
	assert.Equal(t, "kid-1", found.Matches[0].UserID)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/stats", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Turns)
	assert.Equal(t, int64(1), stats.BySpecialist["education"])
}

func TestChatRejectedHidesCandidate(t *testing.T) {
	ts := newTestServer(t, "去拿一把刀")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/chat", ChatRequest{UserID: "kid-2", Text: "数学"}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "去拿一把刀")
	assert.NotContains(t, string(body), "keyword")

	var chat ChatResponse
	require.NoError(t, json.Unmarshal(body, &chat))
	assert.Equal(t, safety.DefaultSafeMessage, chat.Response)
	assert.Equal(t, types.VerdictRejected, chat.SafetyStatus)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/users/kid-2/history", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "去拿一把刀")
	var hist HistoryResponse
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist.Turns, 1)
	assert.Equal(t, safety.DefaultSafeMessage, hist.Turns[0].Response)

	for _, path := range []string{"/api/v1/safety/violations", "/api/v1/search?q=数学"} {
		resp, body = do(t, http.MethodGet, ts.URL+path, nil, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.NotContains(t, string(body), "去拿一把刀", path)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/search?q=数学", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "去拿一把刀")

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/safety/violations", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v ViolationsResponse
	require.NoError(t, json.Unmarshal(body, &v))
	require.Len(t, v.Violations, 1)
	assert.Equal(t, "去拿一把刀", v.Violations[0].RejectedCandidate)
}

func TestChatValidation(t *testing.T) {
	ts := newTestServer(t, "ok")

	tests := []struct {
		name string
		body string
	}{
		{"empty text", `{"user_id":"a","text":"  "}`},
		{"malformed", `{"user_id":`},
		{"unknown field", `{"user_id":"a","text":"hi","bogus":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/chat", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/safety/violations?limit=-1", nil, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, "ok")
	base := ts.URL + "/api/v1/admin"

	resp, _ := do(t, http.MethodGet, base+"/experiments", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := do(t, http.MethodPost, base+"/models/edu-model/versions", RegisterVersionRequest{Artifact: "qwen:1.8b"}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var v1 registry.ModelVersion
	require.NoError(t, json.Unmarshal(body, &v1))

	resp, body = do(t, http.MethodPost, base+"/models/edu-model/versions", RegisterVersionRequest{Artifact: "qwen:4b"}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, base+"/models/edu-model/activate", ActivateRequest{VersionID: v1.ID}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodPost, base+"/models/edu-model/activate", ActivateRequest{VersionID: "missing"}, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/models/edu-model/rollback", RollbackRequest{Steps: 1}, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, http.MethodGet, base+"/models/edu-model/versions", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "qwen:4b")

	resp, _ = do(t, http.MethodGet, base+"/models/nope/versions", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"/experiments", StartExperimentRequest{
		Name:     "education-temp",
		Variants: []registry.Variant{{Name: "a", Model: "m", TrafficShare: 60}},
	}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, base+"/experiments", StartExperimentRequest{
		Name: "education-temp",
		Variants: []registry.Variant{
			{Name: "a", Model: "m1", TrafficShare: 50},
			{Name: "b", Model: "m2", TrafficShare: 50},
		},
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodGet, base+"/experiments/education-temp/variant?user_id=kid", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, base+"/experiments/education-temp/stop", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var exp registry.Experiment
	require.NoError(t, json.Unmarshal(body, &exp))
	assert.False(t, exp.Active)

	resp, _ = do(t, http.MethodPost, base+"/experiments/missing/stop", nil, true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, "ok")

	resp, body := do(t, http.MethodGet, ts.URL+"/health", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "edubuddy_http_requests_total")
}

func TestRegistryStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{registry.ErrModelNotFound, http.StatusNotFound},
		{registry.ErrExperimentNotFound, http.StatusNotFound},
		{registry.ErrRollbackOutOfRange, http.StatusConflict},
		{registry.ErrInvalidTrafficSplit, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, registryStatus(tt.err))
		})
	}
}
