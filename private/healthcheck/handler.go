// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package healthcheck serves the state of named health checks over HTTP.
package healthcheck

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var mon = monkit.Package()

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Error class for this package.
	Error = errs.Class("healthcheck")
	// ErrCheckExists is returned when a check with the same name already exists.
	ErrCheckExists = Error.New("check with name already exists")
)

// HealthCheck is an interface that defines the methods for a health check.
type HealthCheck interface {
	// Healthy returns true if the checked component is usable.
	Healthy(ctx context.Context) bool
	// Name returns the name of the checked component.
	Name() string
}

// CheckFunc adapts a function to a HealthCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) bool
}

// Healthy implements HealthCheck.
func (check CheckFunc) Healthy(ctx context.Context) bool { return check.Fn(ctx) }

// Name implements HealthCheck.
func (check CheckFunc) Name() string { return check.CheckName }

// Handler serves health checks.
type Handler struct {
	log *zap.Logger

	mu     sync.Mutex
	checks map[string]HealthCheck
}

// NewHandler creates a handler for checks.
func NewHandler(log *zap.Logger, checks ...HealthCheck) *Handler {
	handler := &Handler{
		log:    log,
		checks: make(map[string]HealthCheck, len(checks)),
	}
	for _, check := range checks {
		handler.checks[check.Name()] = check
	}
	return handler
}

// AddCheck adds a health check.
func (handler *Handler) AddCheck(check HealthCheck) error {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if _, ok := handler.checks[check.Name()]; ok {
		return ErrCheckExists
	}
	handler.checks[check.Name()] = check
	return nil
}

// Names returns the sorted names of all checks.
func (handler *Handler) Names() []string {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	names := make([]string, 0, len(handler.checks))
	for name := range handler.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds the health routes to router.
func (handler *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", handler.handleAll).Methods(http.MethodGet)
	router.HandleFunc("/health/{name}", handler.handleSingle).Methods(http.MethodGet)
}

func (handler *Handler) check(name string) (HealthCheck, bool) {
	handler.mu.Lock()
	defer handler.mu.Unlock()
	check, ok := handler.checks[name]
	return check, ok
}

func (handler *Handler) handleAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	names := handler.Names()
	checkMap := make(map[string]bool, len(names))
	allHealthy := true
	for _, name := range names {
		check, ok := handler.check(name)
		if !ok {
			continue
		}
		healthy := check.Healthy(ctx)
		allHealthy = allHealthy && healthy
		checkMap[name] = healthy
	}
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(checkMap)
	if err != nil {
		handler.log.Error("Failed to encode health check response", zap.Error(err))
	}
}

func (handler *Handler) handleSingle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	check, ok := handler.check(mux.Vars(r)["name"])
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		err = json.NewEncoder(w).Encode(map[string]string{"error": "unknown check name"})
		if err != nil {
			handler.log.Error("Failed to encode health check response", zap.Error(err))
		}
		return
	}

	healthy := check.Healthy(ctx)
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy})
	if err != nil {
		handler.log.Error("Failed to encode health check response", zap.Error(err))
	}
}
