package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirai-compass/internal/core"
	"mirai-compass/internal/metrics"
	"mirai-compass/pkg"
)

// fixedRequester implements core.Requester for testing
type fixedRequester struct {
	text string
	err  error
}

func (f *fixedRequester) RequestDiagnosis(ctx context.Context, answers []pkg.Answer) (string, error) {
	return f.text, f.err
}

func testQuestions() []pkg.Question {
	return []pkg.Question{
		{ID: "Q1", Text: "夢中になれることは？"},
		{ID: "Q2", Text: "好きな教科は？", Options: []string{"数学", "英語"}, MultiSelect: true},
	}
}

func newTestServer(t *testing.T, req core.Requester, mutate ...func(*Config)) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := Config{
		Questions:        testQuestions(),
		Requester:        req,
		MaxConversations: 10,
		Metrics:          metrics.New(reg),
		MetricsHandler:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MetricsPath:      "/metrics",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *Server, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func createConversation(t *testing.T, srv *Server) string {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/conversations", "", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp pkg.CreateConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "/conversations/"+resp.ConversationID, resp.StartURL)
	return resp.ConversationID
}

func getSnapshot(t *testing.T, srv *Server, id string) pkg.Snapshot {
	t.Helper()
	rec := do(t, srv, http.MethodGet, "/api/conversations/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap pkg.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func waitIdle(t *testing.T, srv *Server, id string) pkg.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return !getSnapshot(t, srv, id).Busy
	}, 2*time.Second, 5*time.Millisecond)
	return getSnapshot(t, srv, id)
}

func TestServer_FullConversation(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "## 診断結果\n\n未来は明るい！"})
	id := createConversation(t, srv)

	snap := waitIdle(t, srv, id)
	require.Len(t, snap.Transcript, 3)
	assert.Equal(t, "Q1. 夢中になれることは？", snap.Transcript[2].Text)

	rec := do(t, srv, http.MethodPost, "/api/conversations/"+id+"/answers", `{"text":"絵を描くこと"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	waitIdle(t, srv, id)

	form := url.Values{"label": {"数学"}}.Encode()
	rec = do(t, srv, http.MethodPost, "/api/conversations/"+id+"/options", form, "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)
	var after pkg.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.Equal(t, []string{"数学"}, after.Selections)
	assert.True(t, after.CanConfirm)

	rec = do(t, srv, http.MethodPost, "/api/conversations/"+id+"/options", `{"label":"英語"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodPost, "/api/conversations/"+id+"/confirm", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return getSnapshot(t, srv, id).Phase == pkg.PhaseDone
	}, 2*time.Second, 5*time.Millisecond)

	snap = getSnapshot(t, srv, id)
	require.Len(t, snap.Answers, 2)
	assert.Equal(t, "数学、英語", snap.Answers[1].AnswerText)
	last, ok := snap.LastMessage()
	require.True(t, ok)
	assert.True(t, last.IsDiagnosis)

	page := do(t, srv, http.MethodGet, "/conversations/"+id, "", "")
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "<h2>診断結果</h2>")
	assert.Contains(t, page.Body.String(), "もう一度診断する")
}

func TestServer_Reset(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)
	waitIdle(t, srv, id)

	rec := do(t, srv, http.MethodPost, "/api/conversations/"+id+"/answers", "text=hello", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/conversations/"+id+"/reset", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap pkg.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, pkg.PhaseNotStarted, snap.Phase)
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, snap.Answers)

	snap = waitIdle(t, srv, id)
	assert.Len(t, snap.Transcript, 3)
}

func TestServer_Draft(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)
	waitIdle(t, srv, id)

	rec := do(t, srv, http.MethodPost, "/api/conversations/"+id+"/draft", `{"text":"途中"}`, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "途中", getSnapshot(t, srv, id).Draft)
}

func TestServer_Errors(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/conversations/nope", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/api/conversations/"+id+"/answers", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/api/conversations/"+id+"/bogus", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/conversations/"+id+"/answers", "{", "application/json").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/nowhere", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/conversations/nope", "", "").Code)
}

func TestServer_Delete(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)
	require.Equal(t, 1, srv.Len())

	rec := do(t, srv, http.MethodDelete, "/api/conversations/"+id, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, srv.Len())
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/conversations/"+id, "", "").Code)
}

func TestServer_ConversationLimit(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"}, func(c *Config) { c.MaxConversations = 1 })
	createConversation(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/conversations", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_LandingDoesNotCreateConversations(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"}, func(c *Config) { c.MaxConversations = 1 })

	for i := 0; i < 5; i++ {
		rec := do(t, srv, http.MethodGet, "/", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `action="/conversations"`)
	}
	assert.Zero(t, srv.Len())

	rec := do(t, srv, http.MethodPost, "/conversations", "", "")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/conversations/"))
	assert.Equal(t, 1, srv.Len())

	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/conversations", "", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/conversations", "", "").Code)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestServer_IdleConversationsExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	srv := newTestServer(t, &fixedRequester{text: "ok"}, func(c *Config) {
		c.MaxConversations = 2
		c.IdleTimeout = 10 * time.Minute
		c.Now = clock.Now
	})
	idle := createConversation(t, srv)
	active := createConversation(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/api/conversations", "", "").Code)

	clock.Advance(6 * time.Minute)
	getSnapshot(t, srv, active)
	assert.Zero(t, srv.sweep())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, srv.sweep())
	assert.Equal(t, 1, srv.Len())
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/conversations/"+idle, "", "").Code)
	getSnapshot(t, srv, active)

	createConversation(t, srv)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.cfg.Metrics.ConversationsExpired))
	assert.Equal(t, 2.0, testutil.ToFloat64(srv.cfg.Metrics.ConversationsActive))
}

func TestServer_SweepDisabledWithoutIdleTimeout(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	createConversation(t, srv)

	assert.Zero(t, srv.sweep())
	assert.Equal(t, 1, srv.Len())
}

func TestServer_RouteLabelsStayBounded(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)

	for i := 0; i < 50; i++ {
		do(t, srv, http.MethodGet, fmt.Sprintf("/api/conversations/nope/x%d", i), "", "")
		do(t, srv, http.MethodPost, fmt.Sprintf("/api/conversations/%s/x%d", id, i), "", "")
	}

	m := srv.cfg.Metrics.HTTPRequestsTotal
	assert.Equal(t, 3, testutil.CollectAndCount(m))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.WithLabelValues(routeNotFound, "4xx")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.WithLabelValues(routeUnknown, "4xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WithLabelValues("create", "2xx")))
}

func TestServer_PageFormPost(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)
	waitIdle(t, srv, id)

	page := do(t, srv, http.MethodGet, "/conversations/"+id, "", "")
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "みらいコンパス")
	assert.Contains(t, page.Body.String(), "Q1. 夢中になれることは？")

	rec := do(t, srv, http.MethodPost, "/conversations/"+id+"/answers", "text=読書", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/conversations/"+id, rec.Header().Get("Location"))

	snap := getSnapshot(t, srv, id)
	require.Len(t, snap.Answers, 1)
	assert.Equal(t, "読書", snap.Answers[0].AnswerText)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/conversations/"+id+"/answers", "", "").Code)
}

func TestServer_Stream(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	id := createConversation(t, srv)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/conversations/"+id+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var snap pkg.Snapshot
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
			break
		}
	}
	assert.Equal(t, id, snap.ConversationID)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &fixedRequester{text: "ok"})
	createConversation(t, srv)

	rec := do(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "compass_conversations_active 1")
	assert.Contains(t, rec.Body.String(), "compass_conversations_started_total 1")
}
