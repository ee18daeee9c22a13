// Package proxy implements the data-plane request pipeline: credential
// extraction, strict-mode checks, alias resolution, authorization, traffic
// rules, rate and concurrency admission, provider selection with failover,
// upstream dispatch with auth rewrite, and asynchronous usage accounting.
package proxy

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/doubleword-ai/dwctl/internal/limiter"
	"github.com/doubleword-ai/dwctl/internal/logging"
	"github.com/doubleword-ai/dwctl/internal/serializer"
	"github.com/doubleword-ai/dwctl/internal/target"
)

// Server is the data-plane HTTP front end.
type Server struct {
	watch  *target.Watch
	limits *limiter.Registry
	// usage is nil when analytics is disabled.
	usage *serializer.Serializer

	proxyHeaderName string
	client          *http.Client
	correlation     atomic.Int64
}

// Option tweaks a Server.
type Option func(*Server)

// WithHTTPClient overrides the upstream HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// NewServer wires the pipeline together. usage may be nil to disable the
// accounting path.
func NewServer(watch *target.Watch, limits *limiter.Registry, usage *serializer.Serializer, proxyHeaderName string, opts ...Option) *Server {
	s := &Server{
		watch:           watch,
		limits:          limits,
		usage:           usage,
		proxyHeaderName: proxyHeaderName,
		client: &http.Client{
			// Per-attempt deadlines come from provider request timeouts; the
			// client itself must not cut off long streams.
			Timeout: 0,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the /v1 router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/v1/models", s.handleModels)
	r.HandleFunc("/v1/*", s.handleProxy)
	return r
}

// handleModels synthesizes the OpenAI model list from the target set,
// filtered to the aliases the presented key may use.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snapshot := s.watch.Load()

	key, _, errStatus := s.authenticate(r, snapshot)
	if errStatus != 0 {
		s.writeAuthError(w, errStatus)
		return
	}

	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	now := time.Now().Unix()
	data := make([]model, 0, len(snapshot.Targets))
	for alias, tgt := range snapshot.Targets {
		if !tgt.Authorizes(key.ID) {
			continue
		}
		data = append(data, model{ID: alias, Object: "model", Created: now, OwnedBy: "dwctl"})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// authenticate resolves the caller credential against the snapshot. The
// returned status is 0 on success, else the HTTP status to respond with.
func (s *Server) authenticate(r *http.Request, snapshot *target.Targets) (key *target.KeyDefinition, playground bool, errStatus int) {
	if s.proxyHeaderName != "" {
		if email := r.Header.Get(s.proxyHeaderName); email != "" {
			// The admin plane mints a hidden API key per SSO user; resolve
			// the email to that key and continue as ApiKey auth.
			k, ok := snapshot.KeyByEmail(email)
			if !ok {
				return nil, true, http.StatusForbidden
			}
			return k, true, 0
		}
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return nil, false, http.StatusUnauthorized
	}
	token := auth
	if len(auth) > 7 && auth[:7] == "Bearer " {
		token = auth[7:]
	} else {
		return nil, false, http.StatusUnauthorized
	}
	k, ok := snapshot.KeyBySecret(token)
	if !ok {
		return nil, false, http.StatusForbidden
	}
	return k, false, 0
}

func (s *Server) writeAuthError(w http.ResponseWriter, status int) {
	switch status {
	case http.StatusUnauthorized:
		writeUnauthenticated(w)
	default:
		writeForbidden(w, "invalid API key or no access provisioned")
	}
}

// nextCorrelationID issues the per-instance analytics correlation id.
func (s *Server) nextCorrelationID() int64 {
	return s.correlation.Add(1)
}
