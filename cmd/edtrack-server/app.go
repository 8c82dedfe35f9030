package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/edtrack/internal/config"
	"github.com/ehr/edtrack/internal/domain/emergency"
	"github.com/ehr/edtrack/internal/platform/auth"
	"github.com/ehr/edtrack/internal/platform/db"
	"github.com/ehr/edtrack/internal/platform/hipaa"
	"github.com/ehr/edtrack/internal/platform/kv"
	"github.com/ehr/edtrack/internal/platform/middleware"
	"github.com/ehr/edtrack/internal/platform/websocket"
	"github.com/ehr/edtrack/migrations"
	"github.com/ehr/edtrack/pkg/styledname"
)

// app is the assembled server and the resources it owns.
type app struct {
	logger zerolog.Logger
	echo   *echo.Echo
	kv     kv.Store
	pool   *pgxpool.Pool
	audit  *hipaa.AuditLogger
	store  *emergency.Store
	board  *emergency.Board
	hub    *websocket.Hub
}

func openAuditStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.AuditBackend {
	case config.AuditBackendMemory:
		return kv.NewMemory(), nil
	case config.AuditBackendRedis:
		r, err := kv.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.AuditBackendSQLite:
		s, err := kv.OpenSQLite(ctx, cfg.AuditSQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Audit trail
	var err error
	a.kv, err = openAuditStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	a.audit = hipaa.NewAuditLogger(a.kv, logger,
		hipaa.WithKey(cfg.AuditKey),
		hipaa.WithRetry(hipaa.RetryPolicy{Attempts: cfg.AuditRetryAttempts, Backoff: cfg.AuditRetryBackoff}),
	)
	if err := a.audit.Load(ctx); err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	logger.Info().Str("backend", cfg.AuditBackend).Int("entries", a.audit.Len()).Msg("audit trail loaded")

	// Optional Postgres mirror
	var storeOpts []emergency.StoreOption
	if cfg.DatabaseURL != "" {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		applied, err := db.NewMigrator(a.pool, migrations.FS).Up(ctx)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", applied).Msg("connected to database")
		storeOpts = append(storeOpts, emergency.WithRepository(emergency.NewRepoPG(a.pool)))
	}

	// Tracking board
	roomNames := cfg.Rooms
	if len(roomNames) == 0 {
		roomNames = emergency.DefaultRooms
	}
	rooms, err := emergency.NewRoomVocabulary(roomNames)
	if err != nil {
		return nil, err
	}
	a.store = emergency.NewStore(rooms, a.audit, logger, storeOpts...)
	if err := a.store.Load(ctx); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	a.board = emergency.NewBoard(a.store)
	a.hub = websocket.NewHub(logger)
	a.store.Subscribe(emergency.NewBoardNotifier(a.hub, logger))
	svc := emergency.NewService(a.store, a.board, a.audit, styledname.NewCodec(logger))

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	checks := []db.Check{a.auditCheck()}
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
		e.GET("/health/db", db.HealthHandler(db.PoolCheck(a.pool)))
	}
	e.GET("/health", db.HealthHandler(checks...))

	apiV1 := e.Group("/api/v1", authMW)
	emergency.NewHandler(svc).RegisterRoutes(apiV1)
	hipaa.NewAuditSearchHandler(a.audit).RegisterRoutes(apiV1, auth.RequireRole(auth.RoleAuditor))
	websocket.NewHandler(a.hub, cfg.CORSOrigins, emergency.BoardTopic).RegisterRoutes(apiV1,
		auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	a.echo = e

	ok = true
	return a, nil
}

// auditCheck reports unhealthy while part of the trail is not yet durable.
func (a *app) auditCheck() db.Check {
	return db.Check{
		Name: "audit",
		Probe: func(context.Context) error {
			if a.audit.Pending() {
				return errors.New("audit entries awaiting persistence")
			}
			return nil
		},
		Detail: func() any {
			return map[string]any{
				"entries":  a.audit.Len(),
				"failures": a.audit.Failures(),
				"ws":       map[string]any{"clients": a.hub.ClientCount(), "dropped": a.hub.Dropped()},
			}
		},
	}
}

// flushLoop retries persisting the trail every interval until ctx is done.
func (a *app) flushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.audit.Pending() {
				continue
			}
			if err := a.audit.Flush(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("audit flush retry failed")
			} else {
				a.logger.Info().Msg("pending audit entries persisted")
			}
		}
	}
}

func (a *app) Close() {
	if a.board != nil {
		a.board.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close audit store")
		}
	}
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
