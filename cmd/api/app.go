package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"workstation-guard/internal/admission"
	"workstation-guard/internal/audit"
	"workstation-guard/internal/auth"
	"workstation-guard/internal/config"
	dbpkg "workstation-guard/internal/db"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/httpapi"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/metrics"
	"workstation-guard/internal/presence"
	"workstation-guard/internal/reporting"
	"workstation-guard/internal/session"
	"workstation-guard/internal/storage"
	"workstation-guard/pkg/logger"
	"workstation-guard/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// app is the assembled process. Everything it opens is released by close.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	handler http.Handler

	sessions  *session.Authority
	admission *admission.Authority
	pruner    *utils.Periodic

	closers []func() error
}

type stores struct {
	identities identity.Store
	audit      audit.Repository
	sessions   session.Store
}

// stage collects everything newApp needs to release if a later step fails.
type stage struct {
	closers []func() error
}

func (s *stage) onClose(fn func() error) { s.closers = append(s.closers, fn) }

func (s *stage) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newApp wires storage, the evidentiary ledger, the admission and session
// authorities and the HTTP surface from cfg.
func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, hashParams identity.HashParams) (_ *app, err error) {
	st := &stage{}
	defer func() {
		if err != nil {
			_ = st.closeAll()
		}
	}()

	m := metrics.New()
	var checks []httpapi.HealthCheck

	s, err := openStores(ctx, cfg, log, st, &checks)
	if err != nil {
		return nil, err
	}

	l, fb, err := openLedger(ctx, cfg, log, m, st)
	if err != nil {
		return nil, err
	}
	checks = append(checks, httpapi.HealthCheck{Name: "ledger", Check: fb.Primary.Ping})
	checks = append(checks, httpapi.HealthCheck{Name: "ledger_fallback", Check: fb.Secondary.Ping})

	var slots session.SlotGuard = session.LocalOnly{}
	if cfg.RedisEnabled() {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		st.onClose(rdb.Close)
		slots = session.NewRedisSlotGuard(rdb)
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Check: pingRedis(rdb)})
	}

	ids, err := identity.NewService(s.identities, identity.Hasher{Params: hashParams})
	if err != nil {
		return nil, err
	}
	if cfg.Store.SeedDev {
		if err := identity.SeedDev(ctx, ids, log); err != nil {
			return nil, fmt.Errorf("seed identities: %w", err)
		}
	}
	if tok := cfg.Store.BootstrapAdmin; tok != "" {
		i, err := ids.Promote(ctx, tok)
		if err != nil {
			return nil, fmt.Errorf("bootstrap admin %q: %w", tok, err)
		}
		log.Info("bootstrap admin promoted", "component", "directory", "token_id", i.TokenID)
	}
	auditSvc := audit.NewService(s.audit)

	adm, err := admission.New(admission.Options{
		Identities: ids,
		Ledger:     l,
		Audit:      auditSvc,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	rules := detector.DefaultRules()
	if len(cfg.Detector.Keywords) > 0 {
		rules.Keywords = cfg.Detector.Keywords
	}
	if len(cfg.Detector.HighRisk) > 0 {
		rules.HighRisk = cfg.Detector.HighRisk
	}
	if len(cfg.Detector.BurstKeywords) > 0 {
		rules.BurstKeywords = cfg.Detector.BurstKeywords
	}
	rules.WorkStartHour, rules.WorkEndHour = cfg.Detector.WorkStartHour, cfg.Detector.WorkEndHour
	det, err := detector.New(rules)
	if err != nil {
		return nil, fmt.Errorf("detector rules: %w", err)
	}

	var (
		board   *presence.StationBoard
		locator presence.Locator = presence.NullLocator{}
		pruner  *utils.Periodic
	)
	if cfg.Presence.Mode == "station" {
		board = presence.NewStationBoard(cfg.Presence.StaleAfter, nil)
		locator = board
		pruner = utils.NewPeriodic("presence-prune", cfg.Presence.StaleAfter, func(ctx context.Context) {
			if n := board.Prune(ctx); n > 0 {
				log.Debug("pruned stale stations", "component", "presence", "count", n)
			}
		}, log)
	}

	sessions, err := session.New(session.Options{
		Store:        s.sessions,
		Ledger:       l,
		Classifier:   det,
		Locator:      locator,
		SlotGuard:    slots,
		Metrics:      m,
		Logger:       log,
		Location:     cfg.Location(),
		MaxDuration:  cfg.Session.MaxDuration,
		PollInterval: cfg.Presence.PollInterval,
		PollTimeout:  cfg.Presence.PollTimeout,
		WindowSize:   rules.WindowSize(),
		Retention:    cfg.Session.Retention,
	})
	if err != nil {
		return nil, err
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	h := httpapi.Handlers{
		Auth:            authManager,
		Admission:       adm,
		Sessions:        sessions,
		Identities:      ids,
		Audit:           auditSvc,
		Reports:         reporting.NewService(reporting.Sources{Audit: auditSvc, Sessions: s.sessions}),
		Ledger:          l,
		Fallback:        fb,
		Board:           board,
		Locator:         locator,
		Checks:          checks,
		SessionTokenTTL: cfg.Session.MaxDuration,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, routeDeps{
		auth:       authManager,
		stationKey: cfg.Presence.StationKey,
		metrics:    m.Handler(),
	})

	return &app{
		cfg:       cfg,
		log:       log,
		handler:   r,
		sessions:  sessions,
		admission: adm,
		pruner:    pruner,
		closers:   st.closers,
	}, nil
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger, st *stage, checks *[]httpapi.HealthCheck) (stores, error) {
	if cfg.Store.Backend == "memory" {
		log.Warn("using in-memory stores; records are lost on restart", "component", "storage")
		return stores{
			identities: identity.NewMemoryStore(),
			audit:      audit.NewMemoryRepo(),
			sessions:   session.NewMemoryStore(),
		}, nil
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return stores{}, fmt.Errorf("postgres: %w", err)
	}
	st.onClose(db.Close)
	if err := storage.EnsureSchema(ctx, db); err != nil {
		return stores{}, err
	}
	*checks = append(*checks, httpapi.HealthCheck{Name: "postgres", Check: pingPostgres(db)})
	return stores{
		identities: identity.NewPostgresStore(db),
		audit:      audit.NewPostgresRepo(db),
		sessions:   session.NewPostgresStore(db),
	}, nil
}

// openLedger returns the ledger every component appends to. It is always a
// Fallback whose secondary is the local JSONL chain.
func openLedger(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, st *stage) (ledger.Ledger, *ledger.Fallback, error) {
	var primary ledger.Ledger
	switch cfg.Ledger.Backend {
	case "memory":
		primary = ledger.NewMemory(ledger.Options{})
	default:
		conn, err := dbpkg.Open(ctx, dbpkg.Config{Path: cfg.Ledger.Path})
		if err != nil {
			return nil, nil, fmt.Errorf("ledger db: %w", err)
		}
		st.onClose(conn.Close)
		w := dbpkg.NewWorker(conn)
		st.onClose(func() error { w.Close(); return nil })
		primary = ledger.NewSQLite(conn, w, ledger.Options{})
	}

	secondary, err := ledger.OpenFile(cfg.Ledger.FallbackPath, ledger.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("ledger fallback: %w", err)
	}
	st.onClose(secondary.Close)

	fb := &ledger.Fallback{
		Primary:    primary,
		Secondary:  secondary,
		Log:        logger.Component(log, "ledger"),
		OnFallback: m.LedgerFallback,
	}
	return fb, fb, nil
}

func pingPostgres(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) }
}

func pingRedis(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err()
	}
}

// start launches background work: session housekeeping and station pruning.
func (a *app) start(ctx context.Context) {
	a.sessions.Start(ctx)
	if a.pruner != nil {
		a.pruner.Start(ctx)
	}
}

// close ends every open session, flushes buffered admission records and
// releases storage. Sessions go first so their closing entries still reach
// the ledger.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.pruner != nil {
		a.pruner.Stop()
	}
	if err := a.sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if err := a.admission.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admission flush: %w", err))
	}
	st := stage{closers: a.closers}
	if err := st.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
