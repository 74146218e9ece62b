package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	natspub "live-quiz-service/internal/infra/nats"
	"live-quiz-service/internal/infra/postgres"
	redisstore "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/logging"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/room"
	transport "live-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(parent context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(map[string]domain.Quiz{memory.DemoQuiz().ID: memory.DemoQuiz()})
	if pool != nil {
		loader = postgres.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var background []func(context.Context)

	var store app.SessionRepository = memory.NewSessionStore()
	if redisClient != nil {
		instance := uuid.NewString()
		rs := redisstore.NewSessionStore(redisClient, redisTTL, instance)
		background = append(background, func(ctx context.Context) { rs.KeepAlive(ctx, redisTTL/3) })
		store = rs
		log.Info().Str("instance", instance).Msg("registry reservations in redis")
	}

	opts := []app.Option{
		app.WithDefaultDuration(config.TTLDuration(cfg.Session.DefaultDuration, 30*time.Second)),
		app.WithDeferredWindow(config.TTLDuration(cfg.Session.DeferredWindow, 24*time.Hour)),
		app.WithEndedRetention(config.TTLDuration(cfg.Session.EndedRetention, 10*time.Minute)),
		app.WithTap(m.ObserveEvent),
	}
	if pool != nil {
		results := postgres.NewResultStore(pool, 0)
		opts = append(opts, app.WithTap(results.Observe))
		background = append(background, results.Run)
	}
	if cfg.NATS.URL != "" {
		pub, err := natspub.Connect(natspub.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Buffer:        cfg.NATS.Buffer,
		})
		if err != nil {
			return err
		}
		opts = append(opts, app.WithTap(pub.Offer))
		background = append(background, pub.Run)
	}
	service := app.NewQuizService(store, quizRepo, opts...)
	metrics.RegisterSessionGauge(reg, service.SessionCount)

	reapInterval := config.TTLDuration(cfg.Session.ReapInterval, time.Minute)
	background = append(background, func(ctx context.Context) {
		service.RunReaper(ctx, reapInterval, m.SessionsReaped)
	})

	rooms := room.NewManager(service, room.Config{
		GracePeriod:    config.TTLDuration(cfg.Session.GracePeriod, 30*time.Second),
		ResyncDebounce: config.TTLDuration(cfg.Session.ResyncDebounce, 100*time.Millisecond),
		DedupeWindow:   config.TTLDuration(cfg.Session.DedupeWindow, 2*time.Second),
		Observer:       m,
	})
	defer rooms.Close()

	wsHandler := transport.NewWSHandler(service, rooms, transport.WithAnswerObserver(m))
	server := &http.Server{
		Addr: ":" + finalPort,
		Handler: transport.NewRouter(service, rooms, wsHandler, transport.RouterConfig{
			CORSOrigins: cfg.Server.CORSOrigins,
			Gatherer:    reg,
		}),
		ReadHeaderTimeout: 15 * time.Second,
	}

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	done := make(chan struct{}, len(background))
	for _, run := range background {
		go func(run func(context.Context)) {
			run(bgCtx)
			done <- struct{}{}
		}(run)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", finalPort).Msg("starting live quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	case err := <-serveErr:
		log.Error().Err(err).Msg("server failed")
		cancelBackground()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)

	cancelBackground()
	for range background {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn().Msg("background workers did not stop in time")
			return err
		}
	}
	return err
}
