package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/standardbeagle/mcpd-bridge/internal/bridge"
	"github.com/standardbeagle/mcpd-bridge/internal/client"
	"github.com/standardbeagle/mcpd-bridge/internal/config"
	"github.com/standardbeagle/mcpd-bridge/internal/daemon"
	"github.com/standardbeagle/mcpd-bridge/pkg/events"
)

// Server is the HTTP gateway: REST, WebSocket, and MCP-over-HTTP front ends
// over one Translator per bridge mode. It holds no per-connection state
// beyond the static credential set; each WebSocket connection owns its own
// authentication state.
type Server struct {
	listen     string
	backend    *client.Client
	supervisor *daemon.Supervisor
	bus        *events.EventBus
	version    string

	apiKeys map[string]struct{}

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	unified      *bridge.Translator
	individualMu sync.Mutex
	individual   map[string]*bridge.Translator

	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	log        *logrus.Entry
}

// New creates a gateway server. supervisor may be nil when the gateway runs
// against an externally managed daemon; bus may be nil to disable events.
func New(cfg *config.Config, backend *client.Client, supervisor *daemon.Supervisor, bus *events.EventBus, version string) *Server {
	keys := make(map[string]struct{}, len(cfg.Gateway.APIKeys))
	for _, k := range cfg.Gateway.APIKeys {
		if k != "" {
			keys[k] = struct{}{}
		}
	}

	limit := rate.Limit(cfg.Gateway.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Gateway.RateBurst
	if burst <= 0 {
		burst = 20
	}

	s := &Server{
		listen:     cfg.Gateway.Listen,
		backend:    backend,
		supervisor: supervisor,
		bus:        bus,
		version:    version,
		apiKeys:    keys,
		limiters:   make(map[string]*rate.Limiter),
		rateLimit:  limit,
		rateBurst:  burst,
		unified:    bridge.NewTranslator(backend, bridge.ModeUnified, "", true),
		individual: make(map[string]*bridge.Translator),
		router:     mux.NewRouter(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logrus.WithField("component", "gateway"),
	}
	s.unified.SetEventBus(bus)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware, s.rateLimitMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/servers", s.handleListServers).Methods("GET")
	api.HandleFunc("/servers/{name}", s.handleGetServer).Methods("GET")
	api.HandleFunc("/servers/{name}/tools", s.handleListServerTools).Methods("GET")
	api.HandleFunc("/tools", s.handleListTools).Methods("GET")
	api.HandleFunc("/tools/call", s.handleCallTool).Methods("POST")
	api.HandleFunc("/servers/{server}/tools/{tool}/call", s.handleCallServerTool).Methods("POST")
	api.HandleFunc("/mcp", s.handleAPIMCP).Methods("POST")

	s.router.Handle("/mcp", s.guard(http.HandlerFunc(s.handleMCPUnified))).Methods("POST")
	s.router.Handle("/partner/{partner}/{server}/mcp", s.guard(http.HandlerFunc(s.handleMCPPartner))).Methods("POST")
}

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.listen,
		Handler: s.router,
	}
	s.log.WithField("listen", s.listen).Info("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// translatorFor returns the individual-mode translator for one server,
// creating it on first use so its catalog cache survives across requests.
func (s *Server) translatorFor(server string) *bridge.Translator {
	s.individualMu.Lock()
	defer s.individualMu.Unlock()

	if t, ok := s.individual[server]; ok {
		return t
	}
	t := bridge.NewTranslator(s.backend, bridge.ModeIndividual, server, false)
	t.SetEventBus(s.bus)
	s.individual[server] = t
	return t
}

// guard applies the auth and rate-limit middleware to a single route.
func (s *Server) guard(next http.Handler) http.Handler {
	return s.authMiddleware(s.rateLimitMiddleware(next))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts the shared secret from the X-API-Key header, a bearer
// Authorization value, or the api_key query parameter. An empty credential
// set disables authentication.
func (s *Server) authorized(r *http.Request) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		if _, ok := s.apiKeys[key]; ok {
			return true
		}
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		key := strings.TrimPrefix(auth, "Bearer ")
		if _, ok := s.apiKeys[key]; ok {
			return true
		}
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		if _, ok := s.apiKeys[key]; ok {
			return true
		}
	}
	return false
}

// validKey reports whether key matches the credential set.
func (s *Server) validKey(key string) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	_, ok := s.apiKeys[key]
	return ok
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(clientKey(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allow(key string) bool {
	s.limiterMu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[key] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

// clientKey identifies a caller for rate limiting: the API key when one was
// presented, the remote address otherwise.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return auth
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	daemonStatus := "unreachable"
	if err := s.backend.Health(ctx); err == nil {
		daemonStatus = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"daemon": daemonStatus,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.supervisor == nil {
		writeJSONError(w, http.StatusNotFound, "no supervisor attached")
		return
	}
	writeJSON(w, http.StatusOK, s.supervisor.Status(r.Context()))
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.backend.ListServers(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	servers, err := s.backend.ListServers(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	for _, server := range servers {
		if server.Name == name {
			writeJSON(w, http.StatusOK, server)
			return
		}
	}
	writeJSONError(w, http.StatusNotFound, "server not found: "+name)
}

func (s *Server) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tools, err := s.backend.ListTools(r.Context(), name)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.unified.ListTools(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Server string                 `json:"server"`
		Tool   string                 `json:"tool"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeJSONError(w, http.StatusBadRequest, "tool is required")
		return
	}

	var result bridge.Result
	if req.Server != "" {
		result = s.translatorFor(req.Server).CallTool(r.Context(), req.Tool, req.Params)
	} else {
		// Namespaced name routed through the unified catalog.
		result = s.unified.CallTool(r.Context(), req.Tool, req.Params)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCallServerTool(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	server, tool := vars["server"], vars["tool"]

	var req struct {
		Params map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result := s.translatorFor(server).CallTool(r.Context(), tool, req.Params)
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeBackendError maps client-layer errors onto HTTP statuses.
func writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, client.ErrServerNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, client.ErrUnauthorized):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, client.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}
