package client

import (
	"context"
	"sync"
	"time"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/internal/server"
)

const defaultServerCacheTTL = 5 * time.Second

// Router routes requests to the server or processes them directly.
type Router struct {
	client     *Client
	cfg        *config.Config
	useServer  bool
	autoDetect bool

	mu           sync.Mutex
	cachedResult *bool
	cacheTime    time.Time
	cacheTTL     time.Duration
}

// RouterOption is a router option
type RouterOption func(*Router)

// WithServer forces using the server
func WithServer() RouterOption {
	return func(r *Router) {
		r.useServer = true
		r.autoDetect = false
	}
}

// WithoutServer forces in-process execution
func WithoutServer() RouterOption {
	return func(r *Router) {
		r.useServer = false
		r.autoDetect = false
	}
}

// WithAutoDetect enables automatic server detection
func WithAutoDetect() RouterOption {
	return func(r *Router) {
		r.autoDetect = true
	}
}

// WithClient replaces the client built from the configuration.
func WithClient(c *Client) RouterOption {
	return func(r *Router) {
		r.client = c
	}
}

// NewRouter creates a router for cfg. The server is looked up at
// cfg.Listen unless WithClient says otherwise.
func NewRouter(cfg *config.Config, opts ...RouterOption) *Router {
	r := &Router{
		cfg:        cfg,
		autoDetect: true,
		cacheTTL:   defaultServerCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = New(cfg.Listen, WithTimeout(cfg.Timeout()+10*time.Second))
	}
	return r
}

// ShouldUseServer returns true if requests should go to the server
func (r *Router) ShouldUseServer(ctx context.Context) bool {
	if !r.autoDetect {
		return r.useServer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cachedResult != nil && time.Since(r.cacheTime) < r.cacheTTL {
		return *r.cachedResult
	}

	result := r.client.Health(ctx) == nil
	r.cachedResult = &result
	r.cacheTime = time.Now()
	return result
}

// Process handles a task body. remote reports whether the server answered
// it.
func (r *Router) Process(ctx context.Context, body []byte) (resp server.Response, remote bool, err error) {
	if r.ShouldUseServer(ctx) {
		got, err := r.client.Process(ctx, body)
		if err != nil {
			return server.Response{}, true, err
		}
		return *got, true, nil
	}
	return server.Process(ctx, body, r.cfg), false, nil
}
