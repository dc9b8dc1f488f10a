package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/internal/ratelimiter"
	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/domain"
	"github.com/marmos91/orchard/pkg/metrics"
	"github.com/marmos91/orchard/pkg/registry"
	"github.com/marmos91/orchard/pkg/store"
)

// FailureKind selects which side a random simulated failure lands on.
type FailureKind string

const (
	// FailServer answers with an internal server error.
	FailServer FailureKind = "server"

	// FailClient instructs the calling client to crash, exercising its
	// recovery paths.
	FailClient FailureKind = "client"

	// FailBoth picks one of the two at random per failure.
	FailBoth FailureKind = "both"
)

// Config carries the dispatch layer's tunables. The fault-injection fields
// exist for integration harnesses and default to off.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// ResponseDelay is an artificial latency added to every dispatched
	// request before it executes.
	ResponseDelay time.Duration

	// ErrorRate is the percentage (0-100) of dispatched requests that fail
	// with a random simulated failure.
	ErrorRate float64

	// ErrorKind selects the flavor of random simulated failures. Empty
	// means FailServer.
	ErrorKind FailureKind

	// BandwidthBytesPerSec throttles binary payload downloads. Zero or
	// negative means unlimited.
	BandwidthBytesPerSec int64
}

// Server is the RPC dispatch layer. It owns the HTTP router, the per-account
// backend table, and the lock-expiry sweep timer.
//
// Thread Safety:
// Safe for concurrent use. Mutating calls for one account are serialized
// through that account's backend mutex.
type Server struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	chunks   chunkstore.ChunkStore
	metrics  metrics.RPCMetrics
	limiter  *ratelimiter.BandwidthLimiter

	mu       sync.Mutex
	backends map[domain.AccountID]*backend

	// Serializes the accounts plane, which has no per-account backend.
	accountsMu sync.Mutex

	timerMu   sync.Mutex
	lockTimer *time.Timer

	httpServer *http.Server
}

// backend is the per-account dispatch target. Its mutex is what serializes
// concurrent calls against the same account.
type backend struct {
	mu      sync.Mutex
	server  *Server
	account *domain.Account
}

// New builds a dispatch server over the given store, registry, and chunk
// store. Backends are built lazily per account and invalidated whenever the
// registry reports an account change.
func New(st store.Store, reg *registry.Registry, chunks chunkstore.ChunkStore, cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: reg,
		chunks:   chunks,
		metrics:  metrics.NewRPCMetrics(),
		limiter:  ratelimiter.New(cfg.BandwidthBytesPerSec),
		backends: make(map[domain.AccountID]*backend),
	}

	reg.AddListener(s.invalidateBackends)
	s.armLockExpiryTimer()

	return s
}

// Handler returns the HTTP handler serving the full wire surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging)

	// Data plane. One route per endpoint; the generic handle wrapper does
	// auth, decoding, fault injection, and per-account serialization.
	r.Post("/list_folder", handle(s, "list_folder", (*backend).listFolder))
	r.Post("/list_changes", handle(s, "list_changes", (*backend).listChanges))
	r.Post("/rank", handle(s, "rank", (*backend).latestRank))
	r.Post("/create", handle(s, "create", (*backend).create))
	r.Post("/modifyContents", handle(s, "modifyContents", (*backend).modifyContents))
	r.Post("/modifyMetadata", handle(s, "modifyMetadata", (*backend).modifyMetadata))
	r.Post("/info", handle(s, "info", (*backend).fetchItem))
	r.Get("/download", handle(s, "download", (*backend).downloadItem))
	r.Get("/fetchItemContentStorageType", handle(s, "fetchItemContentStorageType", (*backend).fetchStorageType))
	r.Delete("/delete", handle(s, "delete", (*backend).deleteItem))
	r.Post("/trash", handle(s, "trash", (*backend).trashItem))
	r.Post("/updateThumbnail", handle(s, "updateThumbnail", (*backend).updateThumbnail))
	r.Post("/thumbnail", handle(s, "thumbnail", (*backend).fetchThumbnail))
	r.Post("/conflicts/list", handle(s, "conflicts/list", (*backend).conflictVersions))
	r.Post("/conflicts/resolve", handle(s, "conflicts/resolve", (*backend).resolveConflicts))
	r.Post("/conflicts/create", handle(s, "conflicts/create", (*backend).createConflict))
	r.Post("/mark", handle(s, "mark", (*backend).mark))
	r.Post("/lock/ping", handle(s, "lock/ping", (*backend).pingLock))
	r.Post("/lock/remove", handle(s, "lock/remove", (*backend).removeLock))
	r.Post("/lock/force", handle(s, "lock/force", (*backend).forceLock))
	r.Post("/lock/debug/list", handle(s, "lock/debug/list", (*backend).listLocks))
	r.Post("/createDataChunk", handle(s, "createDataChunk", (*backend).createDataChunk))
	r.Get("/getDataChunk", handle(s, "getDataChunk", (*backend).getDataChunk))
	r.Get("/checkChunkExists", handle(s, "checkChunkExists", (*backend).checkChunkExists))
	r.Post("/error/debug/set", handle(s, "error/debug/set", (*backend).setSimulatedError))
	r.Post("/error/debug/list", handle(s, "error/debug/list", (*backend).listSimulatedErrors))

	// Accounts plane. Unauthenticated by design: it is the local admin
	// surface that provisions the domains the data plane authenticates.
	r.Post("/account/info", handleAccounts(s, "account/info", (*Server).accountInfo))
	r.Post("/account/list", handleAccounts(s, "account/list", (*Server).listAccounts))
	r.Post("/account/create", handleAccounts(s, "account/create", (*Server).createAccount))
	r.Post("/account/remove", handleAccounts(s, "account/remove", (*Server).removeAccount))
	r.Post("/account/offline/set", handleAccounts(s, "account/offline/set", (*Server).setOfflineMode))
	r.Get("/account/offline/get", handleAccounts(s, "account/offline/get", (*Server).getOfflineMode))
	r.Get("/account/anchor/reset", handleAccounts(s, "account/anchor/reset", (*Server).resetSyncAnchor))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics.IsEnabled() {
		r.Get("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP)
	}

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch server listening on %s", s.cfg.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// backendFor returns the cached backend for an account identifier, building
// it on first use.
func (s *Server) backendFor(ctx context.Context, id domain.AccountID) (*backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.backends[id]; ok {
		return b, nil
	}

	account, err := s.registry.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	b := &backend{server: s, account: account}
	s.backends[id] = b
	return b, nil
}

// invalidateBackends drops the backend table so the next request for each
// account rebuilds it with fresh account state. Runs as a registry listener
// after every successful account mutation.
func (s *Server) invalidateBackends() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = make(map[domain.AccountID]*backend)
}

// armLockExpiryTimer sweeps expired locks and schedules the next sweep at
// the earliest surviving expiry. Called at startup and after every lock ping.
func (s *Server) armLockExpiryTimer() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}

	next, err := s.store.ExpireLocks(context.Background())
	if err != nil {
		logger.Error("lock expiry sweep failed: %v", err)
		return
	}
	if next == nil {
		logger.Debug("no pending lock expiries")
		return
	}

	wait := time.Until(*next)
	if wait < 0 {
		wait = 0
	}
	logger.Debug("next lock expiry in %s", wait)
	s.lockTimer = time.AfterFunc(wait, s.armLockExpiryTimer)
}

// Close stops the lock-expiry timer. The HTTP listener is owned by Serve.
func (s *Server) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}
}

// requestLogging logs each request line at debug level.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
