package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mirai-compass/internal/core"
	"mirai-compass/internal/metrics"
	"mirai-compass/pkg"
)

// ErrTooManyConversations is returned when the in-memory limit is reached.
var ErrTooManyConversations = errors.New("too many active conversations")

// Route labels for requests that do not name a known conversation or action.
const (
	routeNotFound = "not_found"
	routeUnknown  = "unknown"
)

// Config bundles the dependencies of a Server.
type Config struct {
	Questions  []pkg.Question
	Requester  core.Requester
	Controller core.Options // per-conversation template; ID is ignored
	// MaxConversations caps the registry; IdleTimeout discards conversations
	// no request has touched for that long (0 disables expiry).
	MaxConversations int
	IdleTimeout      time.Duration
	Metrics          *metrics.Metrics
	MetricsHandler   http.Handler
	MetricsPath      string
	Logger           *zerolog.Logger
	Now              func() time.Time
}

// Server holds the in-memory conversations and exposes them over HTTP.  It
// implements http.Handler so it can be passed to http.Server.
type Server struct {
	cfg       Config
	templates *template.Template
	log       zerolog.Logger

	quit      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	conversations map[string]*entry
}

type entry struct {
	c       *core.Controller
	touched time.Time
}

// NewServer constructs a Server and parses the embedded page templates.
func NewServer(cfg Config) (*Server, error) {
	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = 1000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Controller.Metrics == nil {
		cfg.Controller.Metrics = cfg.Metrics
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	s := &Server{
		cfg:           cfg,
		templates:     tmpl,
		log:           l.With().Str("component", "http").Logger(),
		quit:          make(chan struct{}),
		conversations: make(map[string]*entry),
	}
	if cfg.IdleTimeout > 0 {
		go s.expireIdle(sweepInterval(cfg.IdleTimeout))
	}
	return s, nil
}

func sweepInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d < time.Second {
		d = time.Second
	}
	return d
}

// operation applies one user action to a conversation.
type operation func(c *core.Controller, req pkg.OperationRequest) (pkg.Snapshot, error)

var operations = map[string]operation{
	"answers": func(c *core.Controller, req pkg.OperationRequest) (pkg.Snapshot, error) {
		return c.SubmitFreeText(req.Text)
	},
	"draft": func(c *core.Controller, req pkg.OperationRequest) (pkg.Snapshot, error) {
		return c.UpdateDraft(req.Text)
	},
	"options": func(c *core.Controller, req pkg.OperationRequest) (pkg.Snapshot, error) {
		return c.ToggleOption(req.Label)
	},
	"confirm": func(c *core.Controller, _ pkg.OperationRequest) (pkg.Snapshot, error) {
		return c.ConfirmSelection()
	},
	"reset": func(c *core.Controller, _ pkg.OperationRequest) (pkg.Snapshot, error) {
		return c.Reset()
	},
}

// ServeHTTP dispatches incoming requests based on the URL path.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/healthz" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok"}`)
	case s.cfg.MetricsHandler != nil && path == s.cfg.MetricsPath:
		s.cfg.MetricsHandler.ServeHTTP(w, r)
	// Landing page; the start button posts to /conversations
	case path == "/" && r.Method == http.MethodGet:
		s.renderLanding(w)
	case path == "/conversations" && r.Method == http.MethodPost:
		c, err := s.create()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, r, pageURL(c.ID()), http.StatusSeeOther)
	// Create a new conversation: POST /api/conversations
	case path == "/api/conversations" && r.Method == http.MethodPost:
		s.handleCreate(w, r)
	// Everything under /api/conversations/{id}[/{action}]
	case strings.HasPrefix(path, "/api/conversations/"):
		id, action := splitID(strings.TrimPrefix(path, "/api/conversations/"))
		s.routeAPI(w, r, id, action)
	// HTML page and its form posts: /conversations/{id}[/{action}]
	case strings.HasPrefix(path, "/conversations/"):
		id, action := splitID(strings.TrimPrefix(path, "/conversations/"))
		s.routePage(w, r, id, action)
	default:
		http.NotFound(w, r)
	}
}

// Close stops the idle sweep and discards every conversation.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.conversations {
		e.c.Close()
		delete(s.conversations, id)
	}
	s.cfg.Metrics.SetActive(0)
}

// Len returns the number of conversations held in memory.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

func (s *Server) expireIdle(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.quit:
			return
		}
	}
}

// sweep discards conversations idle for at least IdleTimeout and returns how
// many it removed.
func (s *Server) sweep() int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.cfg.Now().Add(-s.cfg.IdleTimeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.conversations {
		if e.touched.After(cutoff) {
			continue
		}
		e.c.Close()
		delete(s.conversations, id)
		n++
		s.log.Info().Str("conversation_id", id).Msg("idle conversation expired")
	}
	if n > 0 {
		s.cfg.Metrics.SetActive(len(s.conversations))
		s.cfg.Metrics.RecordExpired(n)
	}
	return n
}

func (s *Server) routeAPI(w http.ResponseWriter, r *http.Request, id, action string) {
	c, ok := s.lookup(id)
	if !ok {
		s.fail(w, routeNotFound, http.StatusNotFound, "conversation not found")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		snap, err := c.Snapshot()
		s.respond(w, "snapshot", snap, err)
	case action == "" && r.Method == http.MethodDelete:
		s.discard(id)
		s.cfg.Metrics.RecordHTTPRequest("delete", http.StatusNoContent)
		w.WriteHeader(http.StatusNoContent)
	case action == "stream" && r.Method == http.MethodGet:
		s.handleStream(w, r, c)
	case operations[action] != nil && r.Method == http.MethodPost:
		req, err := readOperation(r)
		if err != nil {
			s.fail(w, action, http.StatusBadRequest, err.Error())
			return
		}
		snap, err := operations[action](c, req)
		s.respond(w, action, snap, err)
	case action == "" || action == "stream" || operations[action] != nil:
		s.fail(w, action, http.StatusMethodNotAllowed, "method not allowed")
	default:
		s.fail(w, routeUnknown, http.StatusNotFound, "unknown action")
	}
}

// handleCreate starts a new conversation and returns its id and page URL.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	c, err := s.create()
	if err != nil {
		s.fail(w, "create", http.StatusServiceUnavailable, err.Error())
		return
	}
	s.cfg.Metrics.RecordHTTPRequest("create", http.StatusCreated)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pkg.CreateConversationResponse{
		ConversationID: c.ID(),
		StartURL:       pageURL(c.ID()),
	})
}

// handleStream sends a snapshot event for the current state and after every
// change until the client disconnects or the conversation is discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, c *core.Controller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, err := c.Subscribe(r.Context())
	if err != nil {
		s.fail(w, "stream", http.StatusGone, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range ch {
		if err := writeSnapshotEvent(w, snap); err != nil {
			s.log.Debug().Err(err).Str("conversation_id", c.ID()).Msg("stream closed")
			return
		}
		flusher.Flush()
		s.lookup(c.ID())
	}
}

// writeSnapshotEvent writes a snapshot event to the SSE response, serialised
// as JSON after the "data:" prefix.
func writeSnapshotEvent(w io.Writer, snap pkg.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "event: snapshot\ndata: "+string(data)+"\n\n")
	return err
}

func (s *Server) create() (*core.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conversations) >= s.cfg.MaxConversations {
		return nil, ErrTooManyConversations
	}
	opts := s.cfg.Controller
	opts.ID = ""
	c, err := core.NewController(s.cfg.Questions, s.cfg.Requester, opts)
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(); err != nil {
		c.Close()
		return nil, err
	}
	s.conversations[c.ID()] = &entry{c: c, touched: s.cfg.Now()}
	s.cfg.Metrics.SetActive(len(s.conversations))
	s.log.Info().Str("conversation_id", c.ID()).Msg("conversation created")
	return c, nil
}

// lookup returns the conversation and marks it as recently used.
func (s *Server) lookup(id string) (*core.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.conversations[id]
	if !ok {
		return nil, false
	}
	e.touched = s.cfg.Now()
	return e.c, true
}

func (s *Server) discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.conversations[id]; ok {
		e.c.Close()
		delete(s.conversations, id)
		s.cfg.Metrics.SetActive(len(s.conversations))
		s.log.Info().Str("conversation_id", id).Msg("conversation discarded")
	}
}

func (s *Server) respond(w http.ResponseWriter, route string, snap pkg.Snapshot, err error) {
	if err != nil {
		s.fail(w, route, http.StatusGone, err.Error())
		return
	}
	s.cfg.Metrics.RecordHTTPRequest(route, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) fail(w http.ResponseWriter, route string, status int, msg string) {
	if route == "" {
		route = "snapshot"
	}
	s.cfg.Metrics.RecordHTTPRequest(route, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// readOperation accepts either a JSON body or form values.
func readOperation(r *http.Request) (pkg.OperationRequest, error) {
	var req pkg.OperationRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("invalid form: %w", err)
	}
	req.Text = r.FormValue("text")
	req.Label = r.FormValue("label")
	return req, nil
}

func splitID(rest string) (id, action string) {
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action
}

func pageURL(id string) string {
	return "/conversations/" + id
}
