// Package api is the HTTP boundary: ingest, decide, admin CRUD and
// export endpoints, all JSON over a gorilla/mux router.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"minicdp/internal/decision"
	"minicdp/internal/pipeline"
	"minicdp/internal/store"
)

// Server holds the wired core and exposes it over HTTP.
type Server struct {
	ds            store.DataStore
	orch          *pipeline.Orchestrator
	engine        *decision.Engine
	log           *zap.Logger
	bootstrapKeys map[string]store.KeyKind

	exportMu sync.Mutex
	exports  map[string]export

	httpServer *http.Server
}

// NewServer wires the handlers onto a router.
func NewServer(ds store.DataStore, orch *pipeline.Orchestrator, engine *decision.Engine, bootstrapKeys map[string]store.KeyKind, log *zap.Logger) *Server {
	return &Server{
		ds:            ds,
		orch:          orch,
		engine:        engine,
		log:           log,
		bootstrapKeys: bootstrapKeys,
		exports:       make(map[string]export),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/identify", s.requireAuth(store.KeyWrite, s.handleIdentify)).Methods(http.MethodPost)
	r.HandleFunc("/v1/track", s.requireAuth(store.KeyWrite, s.handleTrack)).Methods(http.MethodPost)
	r.HandleFunc("/v1/decide", s.requireAuth(store.KeyRead, s.handleDecide)).Methods(http.MethodGet)

	for _, d := range definitionKinds(s) {
		base := "/v1/admin/" + d.plural
		r.HandleFunc(base, s.requireAuth(store.KeyAdmin, d.create)).Methods(http.MethodPost)
		r.HandleFunc(base, s.requireAuth(store.KeyRead, d.list)).Methods(http.MethodGet)
		r.HandleFunc(base+"/{key}", s.requireAuth(store.KeyAdmin, d.update)).Methods(http.MethodPut)
		r.HandleFunc(base+"/{key}", s.requireAuth(store.KeyAdmin, d.del)).Methods(http.MethodDelete)
	}

	r.HandleFunc("/v1/admin/validate", s.requireAuth(store.KeyRead, s.handleValidate)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/users/search", s.requireAuth(store.KeyRead, s.handleUserSearch)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/users/{id}", s.requireAuth(store.KeyRead, s.handleUserDetail)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/metrics", s.requireAuth(store.KeyRead, s.handleMetrics)).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/keys", s.requireAuth(store.KeyAdmin, s.handleCreateKey)).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/recompute/{id}", s.requireAuth(store.KeyAdmin, s.handleRecompute)).Methods(http.MethodPost)

	r.HandleFunc("/v1/export/segment/{key}", s.requireAuth(store.KeyRead, s.handleExportSegment)).Methods(http.MethodGet)
	r.HandleFunc("/v1/export/download/{filename}", s.requireAuth(store.KeyRead, s.handleExportDownload)).Methods(http.MethodGet)

	return r
}

// Start serves until the context is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
