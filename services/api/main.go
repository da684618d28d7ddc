package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/messaging/internal/attachment"
	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/config"
	"github.com/messaging/internal/conversation"
	"github.com/messaging/internal/handler"
	"github.com/messaging/internal/history"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/payment"
	"github.com/messaging/internal/presence"
	"github.com/messaging/internal/push"
	"github.com/messaging/internal/reaction"
	"github.com/messaging/internal/readstate"
	"github.com/messaging/internal/repository"
	"github.com/messaging/internal/sequencer"
	"github.com/messaging/internal/startup"
	"github.com/messaging/internal/storage"
	"github.com/messaging/internal/storage/memory"
	"github.com/messaging/internal/tip"
	"github.com/messaging/internal/typing"
	"github.com/messaging/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and header-based identity (no external services required)")
	flag.Parse()

	logger.Info("starting messaging API")
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev && cfg.StorageBackend == config.StoragePostgres {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var store storage.Store
	switch cfg.StorageBackend {
	case config.StorageMemory:
		logger.Info("storage: in-memory (data is lost on restart)")
		store = memory.New()
	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 2

		pool, err := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		if err != nil {
			logger.Errorf("db: %v", err)
			os.Exit(1)
		}
		defer pool.Close()

		migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = startup.Migrate(migCtx, pool)
		migCancel()
		if err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		logger.Info("database connected, migrations applied")
		store = repository.NewStore(pool)
	}
	defer store.Close()

	// Шина событий и реестр открытых бесед: Redis для нескольких инстансов, иначе память процесса.
	var (
		bus      eventBus
		active   storage.ActiveRegistry
		redisBus *broadcast.RedisBus
	)
	if cfg.BusBackend == config.BusRedis {
		rc, err := startup.ConnectRedisWithRetry(cfg.RedisURL, 30*time.Second, "")
		if err != nil {
			logger.Errorf("redis: %v", err)
			os.Exit(1)
		}
		defer rc.Close()
		redisBus = broadcast.NewRedisBus(rc.Redis())
		bus, active = redisBus, rc
		logger.Info("bus: redis pub/sub")
	} else {
		bus, active = broadcast.NewMemoryBus(), memory.NewActiveRegistry()
		logger.Info("bus: in-process")
	}

	gateway := broadcast.NewGateway(bus, broadcast.WithFailureHook(func(t broadcast.EventType) {
		metrics.PublishFailures.WithLabelValues(string(t)).Inc()
	}))

	auth := authz.ParticipantPolicy{}
	seq := sequencer.New(sequencer.WithConflictHook(metrics.SequenceConflicts.Inc))
	notifiers := []readstate.Notifier{gateway}
	if pushClient := push.NewClient(cfg.PushServiceURL); pushClient.Enabled() {
		notifiers = append(notifiers, pushClient)
	}
	readState := readstate.New(store, active, auth, cfg.ActiveTTL, notifiers...)
	convSvc := conversation.NewService(store, auth, attachment.NewClient(cfg.AttachmentServiceURL), seq, gateway, readState)
	reactions := reaction.New(store, auth, gateway)
	hist := history.New(store, auth, reactions, cfg.History.DefaultLimit, cfg.History.MaxLimit)
	tips := tip.New(store, auth, payment.NewClient(cfg.PaymentServiceURL, cfg.PaymentTimeout), seq, gateway,
		tip.WithPaymentTimeout(cfg.PaymentTimeout),
		tip.WithObserver(readState),
	)
	presenceTracker := presence.New(gateway, presence.WithTimeout(cfg.Presence.Timeout))
	typingRelay := typing.New(presenceTracker, gateway, cfg.Typing.RPS, cfg.Typing.Burst)

	hub := ws.NewHub(ws.Deps{
		Conversations: convSvc,
		Presence:      presenceTracker,
		Typing:        typingRelay,
		ReadState:     readState,
	}, ws.Limits{
		MaxConns:       cfg.MaxWSConnections,
		SendBuffer:     cfg.WSSendBufferSize,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		WriteWait:      time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WSPongTimeout) * time.Second,
	})
	bus.Attach(hub)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWg sync.WaitGroup
	background := func(name string, fn func(ctx context.Context)) {
		bgWg.Add(1)
		go func() {
			defer bgWg.Done()
			fn(bgCtx)
			logger.Infof("%s stopped", name)
		}()
	}
	background("hub", hub.Run)
	background("gateway", gateway.Run)
	background("presence sweeper", func(ctx context.Context) { presenceTracker.Run(ctx, cfg.Presence.Heartbeat) })
	if redisBus != nil {
		background("redis bus", redisBus.Run)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket: иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitList(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-User-Id", "X-User-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())

	var identify func(http.Handler) http.Handler
	switch {
	case cfg.AuthServiceURL != "":
		identify = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	case *dev:
		logger.Warnf("auth: AUTH_SERVICE_URL not set, trusting X-User-Id (dev mode)")
		identify = middleware.DevIdentity
	default:
		logger.Errorf("config: AUTH_SERVICE_URL is required outside -dev")
		os.Exit(1)
	}

	r.Group(func(r chi.Router) {
		r.Use(identify)
		r.Use(middleware.RateLimitAPI(cfg.APIRateRPS, cfg.APIRateBurst))
		handler.Mount(r, handler.Handlers{
			Conversations: handler.NewConversationHandler(convSvc),
			Messages:      handler.NewMessageHandler(convSvc, hist, reactions, tips),
			ReadState:     handler.NewReadStateHandler(readState),
			Presence:      handler.NewPresenceHandler(convSvc, presenceTracker),
			WS:            handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		r.Get("/internal/conversations/{id}/messages", handler.NewAdminHandler(hist).Inspect)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	bgCancel()
	bgWg.Wait()
	srvWg.Wait()
	if err := bus.Close(); err != nil {
		logger.Errorf("bus close: %v", err)
	}
	logger.Info("shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type eventBus interface {
	broadcast.Bus
	Attach(broadcast.Sink)
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "messaging"
		password = "messaging_secret"
		database = "messaging"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
