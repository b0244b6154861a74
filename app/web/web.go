// Package web implements the JSON API server for job sessions and analytics
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/jobstats/app/service"
	"github.com/umputun/jobstats/app/stats"
	"github.com/umputun/jobstats/app/store"
)

// Server represents the web server
type Server struct {
	ledger     Ledger
	secret     []byte     // hmac secret for user tokens, empty for single-user mode
	singleUser store.User // identity of every request in single-user mode
	version    string
	writeLimit float64 // write requests per second per client
}

// Ledger defines job session operations used by handlers
type Ledger interface {
	JobTypes(ctx context.Context) ([]store.JobType, error)
	CreateJobType(ctx context.Context, name string) (store.JobType, error)
	LogSession(ctx context.Context, userID string, in store.NewJobSession) (store.JobSession, error)
	History(ctx context.Context, userID string, page, limit int) (service.HistoryPage, error)
	Profitability(ctx context.Context) ([]stats.JobProfitability, error)
	UserStats(ctx context.Context, userID string) (stats.UserStats, error)
	Export(ctx context.Context, w io.Writer, userID string) error
	SyncUser(ctx context.Context, u store.User) (store.User, error)
	CurrentUser(ctx context.Context, id string) (store.User, error)
}

// Config holds server configuration
type Config struct {
	Ledger     Ledger
	AuthSecret string     // hmac secret for user tokens, empty to disable auth
	SingleUser store.User // identity used when auth is disabled
	Version    string
	WriteLimit float64 // write requests per second per client, defaults to 10
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("web server initialization failed: ledger is required")
	}
	if cfg.AuthSecret == "" && cfg.SingleUser.ID == "" {
		return nil, errors.New("web server initialization failed: single user id is required without auth secret")
	}
	writeLimit := cfg.WriteLimit
	if writeLimit <= 0 {
		writeLimit = 10
	}
	return &Server{
		ledger:     cfg.Ledger,
		secret:     []byte(cfg.AuthSecret),
		singleUser: cfg.SingleUser,
		version:    cfg.Version,
		writeLimit: writeLimit,
	}, nil
}

// Run starts the web server, blocks until ctx is canceled or the server fails
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s, multi-user %v", address, s.multiUser())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// multiUser reports whether requests carry their own identity
func (s *Server) multiUser() bool {
	return len(s.secret) > 0
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("jobstats", "umputun", s.version),
		rest.Ping,
		rest.SizeLimit(64*1024), // 64KB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	writeLimiter := tollbooth.NewLimiter(s.writeLimit, nil)
	writeLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	writeLimiter.SetMessageContentType("application/json")
	writeLimiter.SetMessage(`{"error":"too many requests"}`)
	limited := tollbooth.HTTPMiddleware(writeLimiter)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache, s.authMiddleware)

		api.HandleFunc("GET /auth/user", s.handleCurrentUser)
		api.HandleFunc("GET /job-types", s.handleListJobTypes)
		api.With(limited).HandleFunc("POST /job-types", s.handleCreateJobType)
		api.HandleFunc("GET /job-sessions", s.handleListJobSessions)
		api.With(limited).HandleFunc("POST /job-sessions", s.handleCreateJobSession)
		api.HandleFunc("GET /analytics/profitability", s.handleProfitability)
		api.HandleFunc("GET /analytics/user-stats", s.handleUserStats)
		api.HandleFunc("GET /export/csv", s.handleExportCSV)
	})

	return router
}
