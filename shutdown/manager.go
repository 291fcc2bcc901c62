// Copyright 2024 The Obsidian Authors
// This file is part of the Obsidian library.

// Package shutdown runs registered handlers in reverse order when the
// process is interrupted or a long-running command finishes.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// handlerTimeout bounds a single handler
const handlerTimeout = 30 * time.Second

// Handler is a shutdown handler
type Handler interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	mu       sync.Mutex
	handlers []Handler
	timeout  time.Duration

	shutting atomic.Bool
	done     chan struct{}
	err      error

	sigChan chan os.Signal
}

// New creates a new shutdown manager
func New(timeout time.Duration) *Manager {
	return &Manager{
		timeout: timeout,
		done:    make(chan struct{}),
		sigChan: make(chan os.Signal, 1),
	}
}

// Register registers a shutdown handler. Handlers run last-registered first.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutting.Load() {
		log.Warn("Cannot register handler during shutdown", "handler", h.Name())
		return
	}
	m.handlers = append(m.handlers, h)
	log.Debug("Shutdown handler registered", "handler", h.Name())
}

// RegisterFunc registers fn as a named handler
func (m *Manager) RegisterFunc(name string, fn func(context.Context) error) {
	m.Register(&funcHandler{name: name, fn: fn})
}

// IsStopping returns true if shutdown has been initiated
func (m *Manager) IsStopping() bool {
	return m.shutting.Load()
}

// Notify injects a signal as if the process had received it
func (m *Manager) Notify(sig os.Signal) {
	select {
	case m.sigChan <- sig:
	default:
	}
}

// Run blocks until SIGINT, SIGTERM or the end of ctx, then shuts down and
// returns the joined handler errors.
func (m *Manager) Run(ctx context.Context) error {
	signal.Notify(m.sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(m.sigChan)

	select {
	case sig := <-m.sigChan:
		log.Info("Shutdown signal received", "signal", sig)
	case <-ctx.Done():
		log.Debug("Shutdown requested", "reason", context.Cause(ctx))
	case <-m.done:
		return m.err
	}
	return m.Shutdown()
}

// Shutdown runs all handlers once. Later calls wait for the first to finish
// and return its result.
func (m *Manager) Shutdown() error {
	if !m.shutting.CompareAndSwap(false, true) {
		<-m.done
		return m.err
	}
	log.Info("Starting graceful shutdown", "timeout", m.timeout)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.err = m.executeHandlers(ctx)
	close(m.done)
	return m.err
}

// executeHandlers executes all registered handlers in LIFO order
func (m *Manager) executeHandlers(ctx context.Context) error {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if ctx.Err() != nil {
			log.Warn("Shutdown timeout, skipping handler", "handler", h.Name())
			errs = append(errs, ctx.Err())
			break
		}
		handlerCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		err := h.Shutdown(handlerCtx)
		cancel()

		if err != nil {
			log.Error("Shutdown error", "handler", h.Name(), "err", err)
			errs = append(errs, err)
		} else {
			log.Debug("Shutdown complete", "handler", h.Name())
		}
	}
	return errors.Join(errs...)
}

// Done is closed once shutdown has completed
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

type funcHandler struct {
	name string
	fn   func(context.Context) error
}

func (h *funcHandler) Name() string                       { return h.name }
func (h *funcHandler) Shutdown(ctx context.Context) error { return h.fn(ctx) }
