package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mycel/internal/api"
	"mycel/internal/auth"
	"mycel/internal/config"
	"mycel/internal/hyphal"
	"mycel/internal/logging"
	"mycel/internal/metrics"
	"mycel/internal/ratelimit"
	"mycel/internal/reinforce"
	"mycel/internal/router"
	"mycel/internal/scheduler"
	"mycel/internal/security"
	"mycel/internal/store"
	"mycel/internal/types"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the substrate HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply schema migrations before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return &configError{err: err}
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Store.DSN, log.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	if migrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info("schema migrations applied")
	}

	limiter, memLimiter, cleanup, err := buildLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	signer, err := security.NewSignerFromSeedFile(cfg.Security.AuditKeyFile)
	if err != nil {
		return &configError{err: err}
	}
	if cfg.Security.AuditKeyFile == "" {
		log.Warn("audit signing key not configured, using an ephemeral key")
	}
	auditor := security.NewAuditRecorder(st, signer, log.Named("audit"), nil)

	sealer := security.NewEnvelope(&security.SingleKeyProvider{
		Secret: []byte(cfg.Security.EncryptionMasterKey),
	})

	m := metrics.New()
	memorySvc := hyphal.NewService(st, sealer, log.Named("hyphal"), nil)
	mailbox := router.NewMailbox(cfg.Server.MailboxCapacity)
	routerSvc := router.NewService(st, st, st, st, memorySvc, mailbox, auditor,
		cfg.Routing.Engine(), log.Named("router"), nil)
	engine := reinforce.NewEngine(reinforce.Config{
		AlphaPos:    cfg.Reinforcement.AlphaPos,
		AlphaNeg:    cfg.Reinforcement.AlphaNeg,
		ThetaPos:    cfg.Reinforcement.ThetaPos,
		DecayLambda: cfg.Reinforcement.DecayLambda,
		EMAFactor:   cfg.Reinforcement.EMAFactor,
	}, outcomeStore{st}, routeStore{st}, edgeStore{st}, agentSuccessStore{st},
		memoryQualityStore{st}, log.Named("reinforce"))

	apiServer := api.NewServer(api.Deps{
		Router:        routerSvc,
		Memory:        memorySvc,
		Outcomes:      engine,
		Edges:         st,
		Tenants:       st,
		Authenticator: newAuthenticator(cfg),
		Limiter:       limiter,
		Metrics:       m,
		Log:           log.Named("api"),
		Pinger:        st,
	})

	sched := scheduler.New(log.Named("maintenance"))
	addMaintenanceTasks(sched, cfg, st, m, memLimiter)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newAuthenticator(cfg *config.Config) auth.Authenticator {
	return auth.NewJWTAuthenticator([]byte(cfg.Security.JWTSecret), nil)
}

// buildLimiter selects the shared Redis limiter when an address is
// configured, the in-process one otherwise. The second return is non-nil
// only for the in-process limiter, which needs a periodic sweep.
func buildLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, *ratelimit.MemoryLimiter, func(), error) {
	if cfg.Redis.Addr == "" {
		mem := ratelimit.NewMemoryLimiter(nil)
		return mem, mem, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, types.Wrap(types.CodeUnavailable, err, "rate limit store unreachable")
	}
	return ratelimit.NewRedisLimiter(rdb, "", nil), nil, func() { _ = rdb.Close() }, nil
}

func addMaintenanceTasks(sched *scheduler.Scheduler, cfg *config.Config, st *store.Store, m *metrics.Metrics, memLimiter *ratelimit.MemoryLimiter) {
	sched.Add(scheduler.Task{
		Name:     "edge-decay",
		Interval: cfg.Maintenance.DecayInterval,
		Run: func(ctx context.Context) error {
			decayed, deleted, err := st.DecayEdges(ctx, time.Now(),
				cfg.Reinforcement.DecayLambda,
				cfg.Maintenance.StaleEdgeBelow,
				cfg.Maintenance.StaleEdgeAfter)
			if err != nil {
				return err
			}
			m.EdgesDecayed.Add(float64(decayed))
			m.EdgesDeleted.Add(float64(deleted))
			return nil
		},
	})
	sched.Add(scheduler.Task{
		Name:     "ttl-sweep",
		Interval: cfg.Maintenance.SweepInterval,
		Run: func(ctx context.Context) error {
			now := time.Now()
			if _, err := st.SweepExpiredNutrients(ctx, now); err != nil {
				return err
			}
			if _, err := st.SweepExpiredMemories(ctx, now); err != nil {
				return err
			}
			if memLimiter != nil {
				memLimiter.Sweep()
			}
			return nil
		},
	})
	sched.Add(scheduler.Task{
		Name:     "route-retention",
		Interval: cfg.Maintenance.SweepInterval,
		Run: func(ctx context.Context) error {
			_, err := st.PurgeRoutesBefore(ctx, time.Now().Add(-cfg.Maintenance.RouteRetention))
			return err
		},
	})
}
