// Package httpapi is the gin-based HTTP surface described in spec.md
// §6, following the same gin.New/gin.Logger/gin.Recovery setup as
// go-inference-service and the rs/cors wrapping legal-gateway applies
// to its router.
package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/renderforge/dispatcher/internal/config"
	"github.com/renderforge/dispatcher/internal/gpudetect"
	"github.com/renderforge/dispatcher/internal/render"
)

// noCacheHeaders is the header set the original applies to every
// dynamic JSON response, NOCACHE_HEADERS.
var noCacheHeaders = map[string]string{
	"Cache-Control": "no-cache, no-store, must-revalidate",
	"Pragma":        "no-cache",
	"Expires":       "0",
}

func withNoCache(c *gin.Context) {
	for k, v := range noCacheHeaders {
		c.Header(k, v)
	}
}

// noCacheMiddleware applies NOCACHE_HEADERS to every response, the way
// the original wraps each dynamic JSON endpoint.
func noCacheMiddleware(c *gin.Context) {
	withNoCache(c)
	c.Next()
}

// Server wires a Dispatcher and a config Store into the HTTP surface.
// It keeps its own task_id -> *render.Task registry because the
// dispatcher's cache is keyed by session id, not by the id exposed in
// URLs.
type Server struct {
	d   *render.Dispatcher
	cfg *config.Store
	log *logrus.Entry

	tasksMu sync.RWMutex
	tasks   map[string]*render.Task
}

func New(d *render.Dispatcher, cfg *config.Store, log *logrus.Entry) *Server {
	return &Server{d: d, cfg: cfg, log: log, tasks: make(map[string]*render.Task)}
}

// Handler builds the full gin engine wrapped in CORS, ready to pass to
// http.Server.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(noCacheMiddleware)

	r.POST("/render", s.postRender)
	r.GET("/image/stream/:task_id", s.getImageStream)
	r.GET("/image/stop", s.getImageStop)
	r.GET("/image/tmp/:task_id/:img_id", s.getImageTmp)
	r.GET("/ping", s.getPing)
	r.GET("/get/*key", s.getKey)
	r.POST("/app_config", s.postAppConfig)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	return c.Handler(r)
}

// RegisterShutdown wires srv's RegisterOnShutdown hook to the
// dispatcher's Shutdown, the stdlib equivalent of the original's
// framework shutdown event.
func (s *Server) RegisterShutdown(srv *http.Server) {
	srv.RegisterOnShutdown(s.d.Shutdown)
}

func (s *Server) rememberTask(id string, task *render.Task) {
	s.tasksMu.Lock()
	s.tasks[id] = task
	s.tasksMu.Unlock()
}

func (s *Server) lookupTask(id string) (*render.Task, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// postRender implements POST /render.
func (s *Server) postRender(c *gin.Context) {
	var req render.RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session_id is required"})
		return
	}

	id := uuid.NewString()
	task, err := s.d.Enqueue(&req, id)
	if err != nil {
		switch err {
		case render.ErrNoWorkers:
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Rendering thread has died."})
		case render.ErrPending:
			c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "This session already has a pending task."})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		}
		return
	}
	s.rememberTask(id, task)

	c.JSON(http.StatusOK, gin.H{
		"status": s.d.State().String(),
		"queue":  s.d.QueueLen(),
		"stream": "/image/stream/" + id,
		"task":   id,
	})
}

// getImageStream implements GET /image/stream/:task_id.
func (s *Server) getImageStream(c *gin.Context) {
	taskID := c.Param("task_id")
	task, ok := s.lookupTask(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Request " + taskID + " not found."})
		return
	}

	if !task.HasBuffered() && !task.IsRunning() {
		if resp := task.Response(); resp != nil {
			c.Data(http.StatusOK, "application/json", resp)
			return
		}
		c.JSON(http.StatusTooEarly, gin.H{"detail": "Too Early, task not started yet."})
		return
	}

	chunks := task.DrainBuffer()
	c.Header("Content-Type", "application/json")
	c.Status(http.StatusOK)
	for _, chunk := range chunks {
		c.Writer.Write(chunk)
		c.Writer.Write([]byte("\n"))
	}
	c.Writer.Flush()
}

// getImageStop implements GET /image/stop.
func (s *Server) getImageStop(c *gin.Context) {
	taskID := c.Query("task")
	if taskID == "" {
		switch s.d.State() {
		case render.StateInit, render.StateOnline, render.StateUnavailable:
			c.JSON(http.StatusConflict, gin.H{"detail": "Not currently running any tasks."})
			return
		}
		s.d.CancelAll()
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
		return
	}

	task, ok := s.lookupTask(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Task " + taskID + " was not found."})
		return
	}
	if task.IsCancelled() {
		c.JSON(http.StatusConflict, gin.H{"detail": "Task " + taskID + " is already stopped."})
		return
	}
	task.SetCancelled()
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

// getImageTmp implements GET /image/tmp/:task_id/:img_id.
func (s *Server) getImageTmp(c *gin.Context) {
	taskID := c.Param("task_id")
	task, ok := s.lookupTask(taskID)
	if !ok {
		c.JSON(http.StatusGone, gin.H{"detail": "Task " + taskID + " could not be found."})
		return
	}
	imgID, err := strconv.Atoi(c.Param("img_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid image id"})
		return
	}
	data := task.TempImage(imgID)
	if data == nil {
		c.JSON(http.StatusTooEarly, gin.H{"detail": "Too Early, task data is not available yet."})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// getPing implements GET /ping.
func (s *Server) getPing(c *gin.Context) {
	if s.d.IsAlive("") <= 0 {
		detail := "Render thread is dead."
		if err := s.d.StateErr(); err != nil {
			detail = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": detail})
		return
	}
	if err := s.d.StateErr(); err != nil && err != render.ErrShutdown && err != render.ErrCancelled {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	resp := gin.H{
		"status":  s.d.State().String(),
		"devices": s.d.GetDevices(),
	}
	if sessionID := c.Query("session_id"); sessionID != "" {
		resp["tasks"] = s.tasksForSession(sessionID)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) tasksForSession(sessionID string) map[string]string {
	out := make(map[string]string)
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	for id, t := range s.tasks {
		if t.Request.SessionID != sessionID {
			continue
		}
		out[id] = taskStatus(t)
	}
	return out
}

func taskStatus(t *render.Task) string {
	switch {
	case t.IsCancelled():
		return "cancelled"
	case t.Error() != nil:
		return "failed"
	case t.Response() != nil:
		return "done"
	case t.IsRunning():
		return "running"
	default:
		return "pending"
	}
}

// getKey implements GET /get/{key:path}, including the empty-key
// teapot easter egg from the original.
func (s *Server) getKey(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	switch {
	case key == "":
		c.JSON(http.StatusTeapot, gin.H{"detail": "StableDiffusion is drawing a teapot!"})
	case key == "app_config":
		cfg := s.cfg.Load()
		c.JSON(http.StatusOK, cfg)
	case key == "system_info":
		cfg := s.cfg.Load()
		c.JSON(http.StatusOK, gin.H{
			"devices": gin.H{
				"active": s.d.GetDevices(),
				"config": cfg.RenderDevices,
			},
			"hosts": reachableHosts(cfg),
		})
	case key == "models":
		// Static stub: ModelRegistry is out of scope, so this reports a
		// fixed active/available set rather than scanning a models dir.
		c.JSON(http.StatusOK, gin.H{
			"active": gin.H{
				"stable-diffusion": "sd-v1-5",
				"vae":              "default",
			},
			"options": gin.H{
				"stable-diffusion": []string{"sd-v1-5"},
				"vae":              []string{"default"},
			},
		})
	case key == "ui_plugins":
		c.JSON(http.StatusOK, []string{})
	case key == "output_dir":
		c.JSON(http.StatusOK, gin.H{"output_dir": "."})
	default:
		c.JSON(http.StatusNotFound, gin.H{"detail": "Request for unknown " + key})
	}
}

// reachableHosts reports the loopback address plus, when the server is
// configured to listen on the network, every non-loopback IPv4 address
// bound to this host.
func reachableHosts(cfg config.AppConfig) []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if !cfg.Net.ListenToNetwork {
		return hosts
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hosts
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		hosts = append(hosts, ipNet.IP.String())
	}
	return hosts
}

// postAppConfig implements POST /app_config.
func (s *Server) postAppConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	var patch config.Patch
	if err := sonic.Unmarshal(body, &patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if patch.RenderDevices != nil && !validRenderDevices(*patch.RenderDevices) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid render device requested: " + *patch.RenderDevices})
		return
	}

	cfg, err := s.cfg.Patch(patch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	if patch.RenderDevices != nil {
		requested := gpudetect.ResolveRequested(c.Request.Context(), strings.Split(cfg.RenderDevices, ","))
		if err := s.d.UpdateWorkers(c.Request.Context(), requested); err != nil {
			s.log.WithError(err).Warn("httpapi: update_workers reported an error")
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}

func validRenderDevices(v string) bool {
	if v == "cpu" || v == "auto" {
		return true
	}
	for _, tag := range strings.Split(v, ",") {
		if !render.IsCUDATag(strings.TrimSpace(tag)) {
			return false
		}
	}
	return true
}

// StartHTTPTimeout is a 30-second duration exported by this package.
// No handler here and nothing in cmd/renderd reads it; stream reads
// and the HTTP server are not bounded by it.
const StartHTTPTimeout = 30 * time.Second
