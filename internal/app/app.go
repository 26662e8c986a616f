// Package app wires the service together: database, queue, realtime broker,
// payment processor, domain services and the HTTP API.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/nimmit/backend/internal/account"
	"github.com/nimmit/backend/internal/applications"
	"github.com/nimmit/backend/internal/auth"
	"github.com/nimmit/backend/internal/config"
	"github.com/nimmit/backend/internal/database"
	"github.com/nimmit/backend/internal/jobs"
	"github.com/nimmit/backend/internal/ledger"
	"github.com/nimmit/backend/internal/matching"
	"github.com/nimmit/backend/internal/metrics"
	"github.com/nimmit/backend/internal/notify"
	"github.com/nimmit/backend/internal/payments"
	"github.com/nimmit/backend/internal/payouts"
	"github.com/nimmit/backend/internal/realtime"
	"github.com/nimmit/backend/internal/repository"
	"github.com/nimmit/backend/internal/router"
	"github.com/nimmit/backend/internal/validation"
	"github.com/nimmit/backend/internal/workers"
)

// App holds the wired components. Build it with New and release it with
// Close; Serve runs the HTTP server and the queue until ctx ends.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	river   *river.Client[pgx.Tx]
	metrics *metrics.Collector
	handler http.Handler

	Auth       auth.Service
	Ledger     *ledger.Service
	Payouts    *payouts.Processor
	Reconciler *payouts.Reconciler
}

// New connects to Postgres (and redis when configured) and builds every
// service. It does not start the queue or the HTTP server.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	pool, err := database.Connect(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, pool: pool, metrics: metrics.NewCollector()}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log, pool, m := a.cfg, a.log, a.pool, a.metrics

	validator, err := validation.New()
	if err != nil {
		return fmt.Errorf("load request schemas: %w", err)
	}

	users := repository.NewUserRepo(pool)
	credits := repository.NewCreditRepo(pool)
	auditRepo := notify.NewRepository(pool)
	jobsRepo := jobs.NewRepository(pool)
	payoutRepo := payouts.NewRepository(pool)
	applicationRepo := applications.NewRepository(pool)

	// The emitter is built before the queue exists; the insert is bound below.
	emitter := notify.NewEmitter(auditRepo, m, log)

	var publisher notify.Publisher
	var subscriber realtime.Subscriber
	if cfg.Redis.Addr != "" {
		rdb, err := realtime.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			log.Warn("redis unavailable, live notifications disabled", "error", err)
		} else {
			a.redis = rdb
			broker := realtime.NewBroker(rdb)
			publisher, subscriber = broker, broker
		}
	}

	var gateway payments.Gateway = payments.Disabled{}
	if cfg.Stripe.SecretKey != "" {
		gateway = payments.NewBreaker(payments.NewStripe(cfg.Stripe.SecretKey, cfg.Stripe.Currency), payments.BreakerSettings{}, log)
	} else {
		log.Warn("stripe not configured, payouts will fail until a secret key is set")
	}

	var mailer notify.Mailer = notify.LogMailer{Log: log}
	if cfg.SendGrid.APIKey != "" {
		mailer = notify.NewSendGridMailer(cfg.SendGrid.APIKey, cfg.SendGrid.From, cfg.SendGrid.FromName)
	}

	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		// Only serve issues tokens, and serve refuses to start without a
		// configured secret. One-shot commands get a throwaway key.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
	}
	authSvc, err := auth.NewService(users, auth.Options{Secret: secret, TokenTTL: cfg.Auth.TokenTTL}, log)
	if err != nil {
		return err
	}
	a.Auth = authSvc
	a.Ledger = ledger.NewService(pool, users, credits, m, log)
	jobsSvc := jobs.NewService(pool, jobsRepo, a.Ledger, users, matching.NewMatcher(users), emitter, m, log,
		jobs.Options{RefundOnCancel: cfg.Ledger.RefundOnCancel})
	a.Payouts = payouts.NewProcessor(pool, payoutRepo, users, gateway, emitter, m, log,
		payouts.Options{Currency: cfg.Stripe.Currency, RecoverAfter: cfg.Payouts.RecoverAfter})
	a.Reconciler = payouts.NewReconciler(payoutRepo, users, emitter, m, log)
	applicationsSvc := applications.NewService(pool, applicationRepo, users, emitter, log)
	workersSvc := workers.NewService(users, gateway, log)

	queueWorkers := river.NewWorkers()
	river.AddWorker(queueWorkers, notify.NewDeliverWorker(users, authSvc, mailer, publisher, m, log))
	river.AddWorker(queueWorkers, payouts.NewBatchWorker(a.Payouts, log))
	river.AddWorker(queueWorkers, payouts.NewRecoverWorker(a.Payouts))
	river.AddWorker(queueWorkers, payouts.NewReconcileWorker(a.Reconciler))

	a.river, err = river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.River.MaxWorkers},
		},
		Workers:      queueWorkers,
		PeriodicJobs: periodicJobs(cfg),
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	client := a.river
	emitter.SetInserter(func(ctx context.Context, args notify.DeliverArgs) error {
		_, err := client.Insert(ctx, args, nil)
		return err
	})

	api := router.New(router.Handlers{
		Auth:         auth.NewHandler(authSvc, validator, log),
		Jobs:         jobs.NewHandler(jobsSvc, validator, log),
		Applications: applications.NewHandler(applicationsSvc, validator, log),
		Workers:      workers.NewHandler(workersSvc, validator, log),
		Account:      account.NewHandler(users, a.Ledger, validator, log),
		Payouts:      payouts.NewHandler(a.Payouts, a.Reconciler, validator, log),
		Audit:        notify.NewHandler(auditRepo, log),
		Stream:       realtime.NewStreamHandler(subscriber, log),
	}, authSvc, m.Handler())

	a.handler = cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(m.Instrument(api))
	return nil
}

// periodicJobs schedules the payout batch, payout recovery and earnings
// reconciliation. A zero interval leaves that job unscheduled.
func periodicJobs(cfg *config.Config) []*river.PeriodicJob {
	var out []*river.PeriodicJob
	add := func(every time.Duration, args river.JobArgs) {
		if every <= 0 {
			return
		}
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(every),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			nil,
		))
	}
	add(cfg.Payouts.Schedule, payouts.BatchArgs{})
	add(cfg.Payouts.RecoverInterval, payouts.RecoverArgs{})
	add(cfg.Reconcile.Interval, payouts.ReconcileArgs{Fix: cfg.Reconcile.Fix})
	return out
}

// Migrate applies pending schema migrations, River's included.
func (a *App) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, a.pool, a.log)
}

// Handler is the full HTTP handler, CORS and instrumentation included.
func (a *App) Handler() http.Handler { return a.handler }

// Serve starts the queue and the HTTP server and blocks until ctx is done
// or the server fails, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	if err := a.river.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("HTTP shutdown failed", "error", err)
	}
	if err := a.river.Stop(shutdownCtx); err != nil {
		a.log.Error("River stop failed", "error", err)
	}
	a.log.Info("server stopped")
	return serveErr
}

// Close releases the database pool and the redis client.
func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", "error", err)
		}
	}
	a.pool.Close()
}
