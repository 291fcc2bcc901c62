// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package node hosts the long-running parts of the client: registered
// lifecycles (such as the auto-scan loop), the JSON-RPC endpoint and the
// metrics and health endpoints.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/capGoblin/whisper/health"
	"github.com/capGoblin/whisper/metrics"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"
)

var (
	// ErrNodeStopped is returned when the node is stopped
	ErrNodeStopped = errors.New("node not started")
	// ErrNodeRunning is returned when trying to start an already running node
	ErrNodeRunning = errors.New("node already running")
)

// Config represents the configuration of the node's endpoints. An empty
// host disables the corresponding listener.
type Config struct {
	// HTTP RPC configuration
	HTTPHost         string
	HTTPPort         int
	HTTPCors         []string
	HTTPVirtualHosts []string
	HTTPModules      []string // empty serves every registered namespace
	WSOrigins        []string // served on /ws of the HTTP endpoint

	// Metrics and health configuration
	MetricsHost string
	MetricsPort int

	// Logger for the node
	Logger log.Logger
}

// Lifecycle represents a service that can be started and stopped
type Lifecycle interface {
	Start() error
	Stop() error
}

// Node owns lifecycles and HTTP endpoints
type Node struct {
	config Config
	log    log.Logger
	health *health.Monitor

	lock       sync.Mutex
	rpcAPIs    []rpc.API
	lifecycles []Lifecycle

	startStopLock sync.Mutex
	running       bool
	started       []Lifecycle
	rpcHandler    *rpc.Server
	servers       []*endpoint
	closeCh       chan struct{}
}

type endpoint struct {
	name     string
	server   *http.Server
	listener net.Listener
}

// New creates a new node
func New(config Config) *Node {
	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}
	return &Node{
		config:  config,
		log:     logger,
		health:  health.New(),
		closeCh: make(chan struct{}),
	}
}

// Health returns the node's health monitor
func (n *Node) Health() *health.Monitor {
	return n.health
}

// RegisterAPIs registers a set of RPC APIs
func (n *Node) RegisterAPIs(apis []rpc.API) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.rpcAPIs = append(n.rpcAPIs, apis...)
}

// RegisterLifecycle registers a service started with the node
func (n *Node) RegisterLifecycle(lc Lifecycle) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.lifecycles = append(n.lifecycles, lc)
}

// Start starts registered lifecycles in order, then the endpoints
func (n *Node) Start() error {
	n.startStopLock.Lock()
	defer n.startStopLock.Unlock()

	if n.running {
		return ErrNodeRunning
	}
	n.lock.Lock()
	lifecycles := slices.Clone(n.lifecycles)
	n.lock.Unlock()

	for _, lc := range lifecycles {
		if err := lc.Start(); err != nil {
			n.log.Error("Service failed to start", "service", fmt.Sprintf("%T", lc), "err", err)
			n.stop()
			return err
		}
		n.started = append(n.started, lc)
	}
	if err := n.startHTTP(); err != nil {
		n.stop()
		return err
	}
	if err := n.startMetrics(); err != nil {
		n.stop()
		return err
	}
	n.running = true
	n.log.Info("Node started")
	return nil
}

// Stop stops the endpoints and lifecycles in reverse order
func (n *Node) Stop() error {
	n.startStopLock.Lock()
	defer n.startStopLock.Unlock()

	if !n.running {
		return ErrNodeStopped
	}
	n.stop()
	n.running = false

	close(n.closeCh)
	n.closeCh = make(chan struct{})

	n.log.Info("Node stopped")
	return nil
}

func (n *Node) stop() {
	for i := len(n.servers) - 1; i >= 0; i-- {
		ep := n.servers[i]
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ep.server.Shutdown(ctx); err != nil {
			n.log.Warn("Endpoint shutdown failed", "endpoint", ep.name, "err", err)
		}
		cancel()
	}
	n.servers = nil
	if n.rpcHandler != nil {
		n.rpcHandler.Stop()
		n.rpcHandler = nil
	}
	for i := len(n.started) - 1; i >= 0; i-- {
		if err := n.started[i].Stop(); err != nil {
			n.log.Error("Service failed to stop", "service", fmt.Sprintf("%T", n.started[i]), "err", err)
		}
	}
	n.started = nil
}

// startHTTP starts the HTTP and WebSocket RPC endpoint
func (n *Node) startHTTP() error {
	if n.config.HTTPHost == "" {
		return nil
	}
	handler := rpc.NewServer()
	n.lock.Lock()
	apis := slices.Clone(n.rpcAPIs)
	n.lock.Unlock()
	for _, api := range apis {
		if len(n.config.HTTPModules) > 0 && !slices.Contains(n.config.HTTPModules, api.Namespace) {
			continue
		}
		if err := handler.RegisterName(api.Namespace, api.Service); err != nil {
			return err
		}
	}
	n.rpcHandler = handler

	mux := http.NewServeMux()
	mux.Handle("/", newCorsHandler(newVHostHandler(n.config.HTTPVirtualHosts, countRequests(handler)), n.config.HTTPCors))
	if len(n.config.WSOrigins) > 0 {
		mux.Handle("/ws", handler.WebsocketHandler(n.config.WSOrigins))
	}
	return n.listen("rpc", n.config.HTTPHost, n.config.HTTPPort, mux)
}

// startMetrics starts the metrics and health endpoint
func (n *Node) startMetrics() error {
	if n.config.MetricsHost == "" {
		return nil
	}
	prom, err := metrics.Handler()
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom)
	mux.HandleFunc("/health", n.serveHealth)
	return n.listen("metrics", n.config.MetricsHost, n.config.MetricsPort, mux)
}

func (n *Node) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := n.health.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

func (n *Node) listen(name, host string, port int, handler http.Handler) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("Endpoint failed", "endpoint", name, "err", err)
		}
	}()
	n.servers = append(n.servers, &endpoint{name: name, server: server, listener: listener})
	n.log.Info("HTTP server started", "endpoint", name, "addr", listener.Addr())
	return nil
}

// Endpoint returns the listening address of a named endpoint ("rpc" or
// "metrics"), or "" if it is not running.
func (n *Node) Endpoint(name string) string {
	n.startStopLock.Lock()
	defer n.startStopLock.Unlock()
	for _, ep := range n.servers {
		if ep.name == name {
			return ep.listener.Addr().String()
		}
	}
	return ""
}

// Wait blocks until the node is stopped
func (n *Node) Wait() {
	n.startStopLock.Lock()
	ch := n.closeCh
	n.startStopLock.Unlock()
	<-ch
}

// countRequests counts HTTP requests reaching the RPC server. A batch counts
// once.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.RecordRPCRequest()
		next.ServeHTTP(w, r)
	})
}

func newCorsHandler(srv http.Handler, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		return srv
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		MaxAge:         600,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(srv)
}

// virtualHostHandler rejects requests whose Host header names a host not in
// the allowed set. IP literals are always accepted.
type virtualHostHandler struct {
	vhosts map[string]struct{}
	next   http.Handler
}

func newVHostHandler(vhosts []string, next http.Handler) http.Handler {
	if len(vhosts) == 0 {
		return next
	}
	m := make(map[string]struct{}, len(vhosts))
	for _, h := range vhosts {
		m[strings.ToLower(h)] = struct{}{}
	}
	return &virtualHostHandler{vhosts: m, next: next}
}

func (h *virtualHostHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" {
		h.next.ServeHTTP(w, r)
		return
	}
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	if net.ParseIP(host) != nil {
		h.next.ServeHTTP(w, r)
		return
	}
	if _, ok := h.vhosts["*"]; ok {
		h.next.ServeHTTP(w, r)
		return
	}
	if _, ok := h.vhosts[strings.ToLower(host)]; ok {
		h.next.ServeHTTP(w, r)
		return
	}
	http.Error(w, "invalid host specified", http.StatusForbidden)
}
