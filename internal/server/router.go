package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/gamewatch/internal/auth"
	"github.com/loykin/gamewatch/internal/console"
	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/monitor"
	"github.com/loykin/gamewatch/internal/schedule"
)

// Supervisor is the part of the monitor exposed over HTTP.
type Supervisor interface {
	Status() monitor.Status
	Restart(ctx context.Context) error
	Kill(ctx context.Context, force bool) (bool, error)
	SetRestartLock(v bool)
}

// JobLister lists scheduled events.
type JobLister interface {
	Jobs() []schedule.JobInfo
}

// Console runs raw console commands.
type Console interface {
	Exec(ctx context.Context, command string) (string, error)
	State() string
}

// Deps are the components the router serves. Jobs and Console may be nil.
type Deps struct {
	Supervisor Supervisor
	Jobs       JobLister
	Console    Console
	Bus        *eventbus.Bus
	Metrics    bool
	Auth       auth.Config
	Log        *slog.Logger
}

// Router provides embeddable HTTP handlers for controlling the supervisor.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/restart
//	POST {basePath}/kill          query: force=true (optional)
//	POST {basePath}/lock
//	POST {basePath}/unlock
//	GET  {basePath}/events
//	GET  {basePath}/mods
//	POST {basePath}/mods/install  query: id=...
//	POST {basePath}/console       body: {"command": "..."}
//	GET  {basePath}/metrics       when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash. When Deps.Auth
// has a token every endpoint requires it.
type Router struct {
	deps     Deps
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(deps Deps, basePath string) *Router {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Router{deps: deps, basePath: sanitizeBase(basePath), log: log.With("component", "api")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath, auth.NewMiddleware(r.deps.Auth).GinAuth())
	group.GET("/status", r.handleStatus)
	group.POST("/restart", r.handleRestart)
	group.POST("/kill", r.handleKill)
	group.POST("/lock", r.handleLock(true))
	group.POST("/unlock", r.handleLock(false))
	group.GET("/events", r.handleEvents)
	group.GET("/mods", r.handleMods)
	group.POST("/mods/install", r.handleInstall)
	group.POST("/console", r.handleConsole)
	if r.deps.Metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// Server is the standalone HTTP listener for the router.
type Server struct {
	srv  *http.Server
	log  *slog.Logger
	mu   sync.Mutex
	addr string
}

// NewServer prepares an HTTP server on addr using this router. A non-nil
// tlsCfg serves HTTPS. Serve starts it.
func NewServer(addr, basePath string, tlsCfg *tls.Config, deps Deps) (*Server, error) {
	if addr == "" {
		return nil, errors.New("api listen address required")
	}
	r := NewRouter(deps, basePath)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r.Handler(),
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// restart and kill wait for the game server
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		log: r.log,
	}, nil
}

// Serve listens until ctx ends, then shuts the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, s.srv.TLSConfig)
	}
	s.log.Info("api listening", "addr", ln.Addr().String(), "tls", s.srv.TLSConfig != nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		return ctx.Err()
	}
}

// Addr is the bound listen address once Serve is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) String() string { return "api" }

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	monitor.Status
	Console string `json:"console,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Status: r.deps.Supervisor.Status()}
	if r.deps.Console != nil {
		resp.Console = r.deps.Console.State()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleRestart(c *gin.Context) {
	// a dropped client must not abort a restart half way
	ctx := context.WithoutCancel(c.Request.Context())
	err := r.deps.Supervisor.Restart(ctx)
	switch {
	case errors.Is(err, monitor.ErrBusy):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

type killResp struct {
	Killed bool `json:"killed"`
}

func (r *Router) handleKill(c *gin.Context) {
	force := false
	if s := c.Query("force"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid force: " + err.Error()})
			return
		}
		force = v
	}
	killed, err := r.deps.Supervisor.Kill(context.WithoutCancel(c.Request.Context()), force)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, killResp{Killed: killed})
}

func (r *Router) handleLock(v bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.deps.Supervisor.SetRestartLock(v)
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.deps.Jobs == nil {
		writeJSON(c, http.StatusOK, []schedule.JobInfo{})
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Jobs.Jobs())
}

func (r *Router) handleMods(c *gin.Context) {
	if r.deps.Bus == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no mod provider"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	ps := eventbus.Request(ctx, r.deps.Bus, eventbus.InternalMods, eventbus.InternalModsQuery{})
	if len(ps) == 0 {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no mod provider"})
		return
	}
	out := []eventbus.InternalMod{}
	for _, res := range eventbus.AwaitAll(ctx, ps) {
		if res.Err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: res.Err.Error()})
			return
		}
		out = append(out, res.Value...)
	}
	writeJSON(c, http.StatusOK, out)
}

// handleInstall accepts the request and installs in the background; the
// outcome is published as a mod update.
func (r *Router) handleInstall(c *gin.Context) {
	id := c.Query("id")
	if !isSafeID(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if r.deps.Bus == nil || r.deps.Bus.Count(eventbus.TypeInternalModInstall) == 0 {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no mod provider"})
		return
	}
	bus := r.deps.Bus
	ctx := context.WithoutCancel(c.Request.Context())
	go func() {
		res := eventbus.ModUpdated{ModIDs: []string{id}}
		for _, p := range eventbus.AwaitAll(ctx, eventbus.Request(ctx, bus, eventbus.InstallModReqs, eventbus.InternalModInstall{ModID: id})) {
			if p.Err != nil {
				r.log.Warn("mod install failed", "mod", id, "error", p.Err)
				continue
			}
			if p.Value.Success {
				res.Success = true
			}
		}
		eventbus.Emit(bus, eventbus.ModsUpdated, res)
	}()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

type consoleReq struct {
	Command string `json:"command"`
}

type consoleResp struct {
	Output string `json:"output"`
}

func (r *Router) handleConsole(c *gin.Context) {
	if r.deps.Console == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "console not configured"})
		return
	}
	var req consoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	out, err := r.deps.Console.Exec(c.Request.Context(), req.Command)
	switch {
	case errors.Is(err, console.ErrUnavailable):
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, consoleResp{Output: out})
	}
}
