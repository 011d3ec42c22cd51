package server

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/mockvisor/internal/supervisor"
)

// Controller is the part of the supervisor the HTTP API drives.
type Controller interface {
	Start(key int) (string, error)
	Stop(key int) (string, error)
	Status(key int) (supervisor.Status, error)
	Logs(key int) (string, error)
	Tail(key int) ([]string, error)
	Instances() ([]supervisor.Status, error)
}

// Router provides embeddable HTTP handlers for managing instances.
// Endpoints:
//
//	GET  {basePath}/instances
//	POST {basePath}/instances/:port/start
//	POST {basePath}/instances/:port/stop
//	GET  {basePath}/instances/:port/status
//	GET  {basePath}/instances/:port/logs
//	GET  {basePath}/instances/:port/logs/tail
//	GET  /metrics                              when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/instances/8080/start.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
}

// WithMetrics serves h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/instances", r.handleList)
	inst := group.Group("/instances/:port")
	inst.POST("/start", r.handleStart)
	inst.POST("/stop", r.handleStop)
	inst.GET("/status", r.handleStatus)
	inst.GET("/logs", r.handleLogs)
	inst.GET("/logs/tail", r.handleTail)
	return g
}

// NewServer wraps h in an http.Server with the usual timeouts. tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop may wait two escalation steps
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type actionResp struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type logsResp struct {
	Port    int    `json:"port"`
	Logs    string `json:"logs"`
	Message string `json:"message,omitempty"`
}

type tailResp struct {
	Port  int      `json:"port"`
	Lines []string `json:"lines"`
}

// codeFor maps supervisor errors onto HTTP status codes.
func codeFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrLogNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) port(c *gin.Context) (int, bool) {
	p, err := parsePort(c.Param("port"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, actionResp{Message: err.Error()})
		return 0, false
	}
	return p, true
}

func (r *Router) handleList(c *gin.Context) {
	sts, err := r.ctl.Instances()
	if err != nil {
		writeJSON(c, codeFor(err), actionResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStart(c *gin.Context) {
	p, ok := r.port(c)
	if !ok {
		return
	}
	msg, err := r.ctl.Start(p)
	if err != nil {
		writeJSON(c, codeFor(err), actionResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, actionResp{Success: true, Message: msg})
}

func (r *Router) handleStop(c *gin.Context) {
	p, ok := r.port(c)
	if !ok {
		return
	}
	msg, err := r.ctl.Stop(p)
	if err != nil {
		writeJSON(c, codeFor(err), actionResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, actionResp{Success: true, Message: msg})
}

func (r *Router) handleStatus(c *gin.Context) {
	p, ok := r.port(c)
	if !ok {
		return
	}
	st, err := r.ctl.Status(p)
	if err != nil {
		writeJSON(c, codeFor(err), actionResp{Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	p, ok := r.port(c)
	if !ok {
		return
	}
	out, err := r.ctl.Logs(p)
	if err != nil {
		writeJSON(c, codeFor(err), logsResp{Port: p, Message: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, logsResp{Port: p, Logs: out})
}

func (r *Router) handleTail(c *gin.Context) {
	p, ok := r.port(c)
	if !ok {
		return
	}
	lines, err := r.ctl.Tail(p)
	if err != nil {
		writeJSON(c, codeFor(err), actionResp{Message: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, tailResp{Port: p, Lines: lines})
}
