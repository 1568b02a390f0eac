// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/private/healthcheck"
	"storj.io/reconstructor/ring"
)

// StatusInsufficientStorage is returned for requests to unavailable devices.
const StatusInsufficientStorage = http.StatusInsufficientStorage

// ServerConfig is the configuration of the peer server.
type ServerConfig struct {
	Address         string        `help:"address to listen on for peer requests" default:"127.0.0.1:6200"`
	ShutdownTimeout time.Duration `help:"time to wait for in-flight requests on shutdown" default:"10s"`
}

// Server serves the devices of a Node over HTTP.
type Server struct {
	log  *zap.Logger
	node *Node

	health   *healthcheck.Handler
	requests *prometheus.CounterVec

	listener        net.Listener
	server          http.Server
	shutdownTimeout time.Duration
}

// NewServer creates a server for node. Metrics are registered with registry
// and exposed under /metrics.
func NewServer(log *zap.Logger, listener net.Listener, node *Node, registry *prometheus.Registry) *Server {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	srv := &Server{
		log:      log,
		node:     node,
		listener: listener,
		health:   healthcheck.NewHandler(log.Named("health")),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconstructor",
			Subsystem: "peer",
			Name:      "requests_total",
			Help:      "Peer requests served by method and status code.",
		}, []string{"method", "code"}),
		shutdownTimeout: 10 * time.Second,
	}
	if err := registry.Register(srv.requests); err != nil {
		log.Warn("peer request metrics not registered", zap.Error(err))
	}

	for _, name := range node.Devices() {
		store, _ := node.Store(name)
		_ = srv.health.AddCheck(deviceCheck{store: store})
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	srv.health.Register(router)
	router.HandleFunc("/{device}/{partition:[0-9]+}", srv.handleList).Methods(http.MethodGet)
	router.HandleFunc("/{device}/{partition:[0-9]+}/{object:.+}", srv.handleHead).Methods(http.MethodHead)
	router.HandleFunc("/{device}/{partition:[0-9]+}/{object:.+}", srv.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/{device}/{partition:[0-9]+}/{object:.+}", srv.handlePut).Methods(http.MethodPut)
	router.HandleFunc("/{device}/{partition:[0-9]+}/{object:.+}", srv.handlePost).Methods(http.MethodPost)

	srv.server = http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// SetShutdownTimeout changes how long Run waits for in-flight requests.
func (srv *Server) SetShutdownTimeout(timeout time.Duration) {
	srv.shutdownTimeout = timeout
}

// Handler returns the HTTP handler of the server.
func (srv *Server) Handler() http.Handler { return srv.server.Handler }

// Addr returns the address the server listens on.
func (srv *Server) Addr() string { return srv.listener.Addr().String() }

// Run serves requests until ctx is canceled.
func (srv *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.shutdownTimeout)
		defer cancel()
		return srv.server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		defer cancel()
		err := srv.server.Serve(srv.listener)
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return Error.Wrap(group.Wait())
}

// Close stops the server.
func (srv *Server) Close() error {
	return Error.Wrap(srv.server.Close())
}

type request struct {
	device    string
	partition ring.Partition
	object    string
	policy    int
	ring      uint64
	transID   string
}

func (srv *Server) parse(r *http.Request) (request, error) {
	vars := mux.Vars(r)
	partition, err := strconv.ParseUint(vars["partition"], 10, 32)
	if err != nil {
		return request{}, Error.New("invalid partition %q", vars["partition"])
	}
	policy := 0
	if value := r.Header.Get(HeaderPolicyIndex); value != "" {
		policy, err = strconv.Atoi(value)
		if err != nil || policy < 0 {
			return request{}, Error.New("invalid policy %q", value)
		}
	}
	return request{
		device:    vars["device"],
		partition: ring.Partition(partition),
		object:    vars["object"],
		policy:    policy,
		ring:      parseUint(r.Header.Get(HeaderRingVersion)),
		transID:   r.Header.Get(HeaderTransID),
	}, nil
}

func (req request) ref(r *http.Request) (fragstore.Ref, error) {
	ref := fragstore.Ref{
		Policy:        req.policy,
		Partition:     req.partition,
		Object:        req.object,
		FragmentIndex: fragstore.AnyIndex,
	}
	if value := r.URL.Query().Get("frag"); value != "" {
		index, err := strconv.Atoi(value)
		if err != nil || index < 0 {
			return ref, Error.New("invalid fragment index %q", value)
		}
		ref.FragmentIndex = index
	}
	return ref, nil
}

func (srv *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	req, err := srv.parse(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	ref, err := req.ref(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	info, err := srv.node.Head(ctx, req.device, ref)
	if err != nil {
		srv.failErr(w, r, err)
		return
	}
	if err = srv.writeInfo(w, info); err != nil {
		srv.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Header.FragmentSize, 10))
	srv.reply(w, r, http.StatusOK)
}

func (srv *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	req, err := srv.parse(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	ref, err := req.ref(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	info, reader, err := srv.node.Open(ctx, req.device, ref)
	if err != nil {
		srv.failErr(w, r, err)
		return
	}
	defer func() { _ = reader.Close() }()

	if err = srv.writeInfo(w, info); err != nil {
		srv.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(reader.Size(), 10))
	srv.reply(w, r, http.StatusOK)

	if _, err = io.Copy(w, reader); err != nil {
		srv.log.Warn("fragment transfer failed",
			zap.String("trans_id", req.transID),
			zap.String("device", req.device),
			zap.Stringer("ref", ref),
			zap.Error(err))
	}
}

func (srv *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	req, err := srv.parse(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	ref, err := req.ref(r)
	if err != nil || ref.FragmentIndex == fragstore.AnyIndex {
		srv.fail(w, r, http.StatusBadRequest, Error.New("fragment index required"))
		return
	}
	header, _, err := readArchiveHeaders(r.Header)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}

	committed, err := srv.node.Put(ctx, req.device, ref, header, req.ring, r.Body)
	if err != nil {
		srv.failErr(w, r, err)
		return
	}
	if err = srv.writeInfo(w, Info{Header: committed, RingVersion: srv.node.RingVersion()}); err != nil {
		srv.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	srv.reply(w, r, http.StatusCreated)
}

func (srv *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	req, err := srv.parse(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	var meta fragstore.Meta
	if err = json.NewDecoder(r.Body).Decode(&meta); err != nil {
		srv.fail(w, r, http.StatusBadRequest, Error.Wrap(err))
		return
	}
	meta.Object = req.object
	if err = srv.node.Post(ctx, req.device, req.policy, req.partition, meta); err != nil {
		srv.failErr(w, r, err)
		return
	}
	srv.reply(w, r, http.StatusAccepted)
}

func (srv *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	req, err := srv.parse(r)
	if err != nil {
		srv.fail(w, r, http.StatusBadRequest, err)
		return
	}
	listings, err := srv.node.List(ctx, req.device, req.policy, req.partition)
	if err != nil {
		srv.failErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	srv.reply(w, r, http.StatusOK)
	if err = json.NewEncoder(w).Encode(listings); err != nil {
		srv.log.Warn("failed to encode listing", zap.String("trans_id", req.transID), zap.Error(err))
	}
}

func (srv *Server) writeInfo(w http.ResponseWriter, info Info) error {
	return writeArchiveHeaders(w.Header(), info.Header, info.Meta)
}

func (srv *Server) reply(w http.ResponseWriter, r *http.Request, code int) {
	w.Header().Set(HeaderRingVersion, strconv.FormatUint(srv.node.RingVersion(), 10))
	if transID := r.Header.Get(HeaderTransID); transID != "" {
		w.Header().Set(HeaderTransID, transID)
	}
	w.WriteHeader(code)
	srv.requests.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
}

// failErr replies with the status code matching err.
func (srv *Server) failErr(w http.ResponseWriter, r *http.Request, err error) {
	srv.fail(w, r, StatusCode(err), err)
}

func (srv *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError && code != StatusInsufficientStorage {
		srv.log.Error("peer request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("trans_id", r.Header.Get(HeaderTransID)),
			zap.Error(err))
	} else {
		srv.log.Debug("peer request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("code", code),
			zap.Error(err))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	srv.reply(w, r, code)
	if r.Method != http.MethodHead {
		_, _ = io.WriteString(w, err.Error())
	}
}

// StatusCode returns the HTTP status code for a node error.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case fragstore.ErrUnavailable.Has(err):
		return StatusInsufficientStorage
	case fragstore.ErrNotFound.Has(err), ErrPeerAbsent.Has(err):
		return http.StatusNotFound
	case fragstore.ErrCorrupt.Has(err), ErrFragmentCorrupt.Has(err):
		return http.StatusUnprocessableEntity
	case ErrRingMismatch.Has(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// deviceCheck reports whether a device is mounted.
type deviceCheck struct {
	store *fragstore.Store
}

func (check deviceCheck) Name() string { return check.store.Device() }

func (check deviceCheck) Healthy(ctx context.Context) bool {
	return check.store.Dir().Available() == nil
}
