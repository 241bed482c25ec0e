// Package server exposes the deobfuscator over HTTP. Clients POST a task to
// /request and receive the patched graph, in the request/response format
// used by the IDA plugin.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/log"
	"github.com/l3aro/go-deflat/pkg/cache"
)

// MaxDumpSize bounds the request bodies copied to the errors directory.
const MaxDumpSize = 2 * 1024 * 1024

// ShutdownTimeout bounds the graceful shutdown of Run.
const ShutdownTimeout = 5 * time.Second

// Server serves deobfuscation requests.
type Server struct {
	cfg    *config.Config
	log    log.Logger
	cache  *cache.LRUCache
	engine *gin.Engine
	now    func() time.Time
}

// New builds a server. The errors directory is created when configured, and
// the response cache is loaded from its file when one is set.
func New(cfg *config.Config, logger log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ErrorsDir != "" {
		if err := os.MkdirAll(cfg.ErrorsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating errors dir: %w", err)
		}
	}
	s := &Server{cfg: cfg, log: logger, now: time.Now}
	if cfg.CacheSize > 0 {
		s.cache = cache.New(cache.Options{MaxSize: cfg.CacheSize})
		if cfg.CacheFile != "" {
			if err := cache.LoadFromFile(s.cache, cfg.CacheFile); err != nil {
				logger.Warn("ignoring response cache", "file", cfg.CacheFile, "err", err)
			}
		}
	}

	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.POST("/request", s.handleRequest)
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	s.engine = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run listens on the configured address until ctx is cancelled, then shuts
// down and persists the response cache.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if s.cache != nil && s.cfg.CacheFile != "" {
		if perr := cache.PersistToFile(s.cache, s.cfg.CacheFile); perr != nil {
			s.log.Warn("saving response cache", "file", s.cfg.CacheFile, "err", perr)
		}
	}
	return err
}

func (s *Server) handleRequest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, errorResponse(CodeBadRequest, "Unable to read request."))
		return
	}

	var key string
	if s.cache != nil {
		key = cache.Key(body)
		if cached, ok := s.cache.Get(key); ok {
			c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
			return
		}
	}

	resp := Process(c.Request.Context(), body, s.cfg)
	out, err := json.Marshal(resp)
	if err != nil {
		c.String(http.StatusBadGateway, `{"code": 502}`)
		return
	}
	if resp.Code != CodeOK {
		s.log.Warn("request failed", "code", resp.Code, "error", resp.Error)
		s.dump(resp, body)
	} else if s.cache != nil {
		s.cache.Set(key, out)
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", out)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.cache == nil {
		c.JSON(http.StatusOK, cache.Stats{})
		return
	}
	c.JSON(http.StatusOK, s.cache.Stats())
}

// dump writes a failing request and its error next to each other in the
// errors directory as <code>_<unix>.json and <code>_<unix>.err.
func (s *Server) dump(resp Response, body []byte) {
	if s.cfg.ErrorsDir == "" || len(body) > MaxDumpSize {
		return
	}
	id := s.now().Unix()
	base := filepath.Join(s.cfg.ErrorsDir, fmt.Sprintf("%d_%d", resp.Code, id))
	if err := os.WriteFile(base+".json", body, 0644); err != nil {
		s.log.Warn("dumping request", "err", err)
		return
	}
	if err := os.WriteFile(base+".err", []byte(resp.Error), 0644); err != nil {
		s.log.Warn("dumping error", "err", err)
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).String(),
		)
	}
}
