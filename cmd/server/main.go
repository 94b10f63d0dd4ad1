package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/keygate/internal/config"
	"github.com/iliyamo/keygate/internal/credstore"
	"github.com/iliyamo/keygate/internal/database"
	"github.com/iliyamo/keygate/internal/handler"
	"github.com/iliyamo/keygate/internal/logging"
	"github.com/iliyamo/keygate/internal/metrics"
	"github.com/iliyamo/keygate/internal/middleware"
	"github.com/iliyamo/keygate/internal/model"
	"github.com/iliyamo/keygate/internal/queue"
	"github.com/iliyamo/keygate/internal/repository"
	"github.com/iliyamo/keygate/internal/router"
	"github.com/iliyamo/keygate/internal/service"
	"github.com/iliyamo/keygate/internal/token"
	"github.com/iliyamo/keygate/internal/utils"
)

func main() {
	if err := run(); err != nil {
		slog.Error("keygate stopped", "err", err)
		os.Exit(1)
	}
}

// repos is the storage-backed half of the wiring.
type repos struct {
	licenses service.LicenseRepository
	hwids    service.HwidRepository
	sessions service.SessionRepository
	clients  service.ClientRepository
	db       *sql.DB // nil with the memory driver
}

func run() error {
	cfg, err := config.Load(".env") // Load environment config
	if err != nil {
		return err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	signKey, err := token.LoadOrGeneratePrivateKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	transportKey, err := token.LoadOrGeneratePublicKey(cfg.TransportPublicKeyPath, cfg.TransportPrivateKeyPath)
	if err != nil {
		return fmt.Errorf("transport key: %w", err)
	}
	issuer, err := token.NewIssuer(token.Config{Issuer: cfg.Issuer, Audience: cfg.Audience}, signKey, transportKey)
	if err != nil {
		return err
	}

	var (
		sink service.ActivitySink
		pub  *queue.Publisher
	)
	if cfg.AMQPURL != "" {
		pub = queue.NewPublisher(cfg.AMQPURL, cfg.ActivityQueue, 0, logger)
		sink = pub
	} else {
		sink = queue.NewFileWriter(cfg.ActivityLog)
	}

	codes := credstore.New[model.AuthorizationCode]()
	tokens := credstore.New[model.AccessToken]()
	links := credstore.New[model.DeviceLinkCode]()

	oauth := service.NewOAuthService(service.OAuthConfig{
		AuthCodeTTL:            cfg.AuthCodeTTL,
		AccessTokenTTL:         cfg.AccessTokenTTL,
		AccessTokenMaxLifetime: cfg.AccessTokenMaxLifetime,
		IDTokenTTL:             cfg.IDTokenTTL,
		CodeLength:             cfg.CodeLength,
		DefaultScope:           cfg.DefaultScope,
	}, st.clients, codes, tokens, issuer, sink, logger)

	sessions := service.NewSessionManager(service.SessionConfig{
		TokenTTL:     cfg.SessionTokenTTL,
		ResumeWindow: cfg.ResumeWindow,
	}, st.licenses, st.hwids, st.sessions, issuer, sink, logger)

	licenses := service.NewLifecycleService(service.LifecycleConfig{
		BcryptCost:     cfg.BcryptCost,
		LinkCodeTTL:    cfg.LinkCodeTTL,
		LinkCodeLength: cfg.LinkCodeLength,
	}, st.licenses, st.hwids, links, sink, logger)

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting per process", "err", err)
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}
	rlCfg := config.LoadRateLimitConfig()
	limiter := middleware.NewRateLimiter(rlCfg, rdb, logger)

	var pinger handler.Pinger
	if st.db != nil {
		pinger = st.db
	}
	e := router.New(router.Deps{
		Logger:         logger,
		RateLimit:      rlCfg,
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		DB:             pinger,
		OAuth:          oauth,
		Sessions:       sessions,
		Licenses:       licenses,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { codes.Run(gctx, cfg.SweepInterval, swept("auth_codes", codes.Len)); return nil })
	g.Go(func() error { tokens.Run(gctx, cfg.SweepInterval, swept("access_tokens", tokens.Len)); return nil })
	g.Go(func() error { links.Run(gctx, cfg.SweepInterval, swept("link_codes", links.Len)); return nil })
	g.Go(func() error {
		t := time.NewTicker(cfg.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				limiter.Prune(10 * time.Minute)
			case <-gctx.Done():
				return nil
			}
		}
	})
	if pub != nil {
		g.Go(func() error { return pub.Run(gctx) })
		consumer := &queue.Consumer{
			URL:    cfg.AMQPURL,
			Queue:  cfg.ActivityQueue,
			Writer: queue.NewFileWriter(cfg.ActivityLog),
			Log:    logger,
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr(), "env", cfg.Env, "storage", cfg.Storage)
		if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	return g.Wait()
}

// swept reports each sweep pass to the store metrics.
func swept(store string, size func() int) func(int) {
	return func(n int) {
		metrics.StoreSwept.WithLabelValues(store).Add(float64(n))
		metrics.StoreEntries.WithLabelValues(store).Set(float64(size()))
	}
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (repos, error) {
	if cfg.Storage == config.StorageMySQL {
		db, err := database.Open(ctx, database.Options{
			User: cfg.DBUser,
			Pass: cfg.DBPass,
			Host: cfg.DBHost,
			Port: cfg.DBPort,
			Name: cfg.DBName,
		})
		if err != nil {
			return repos{}, fmt.Errorf("open database: %w", err)
		}
		if cfg.DBSchema {
			if err := database.EnsureSchema(ctx, db); err != nil {
				_ = db.Close()
				return repos{}, fmt.Errorf("ensure schema: %w", err)
			}
			logger.Info("schema ensured")
		}
		return repos{
			licenses: repository.NewLicenseRepo(db),
			hwids:    repository.NewHwidRepo(db),
			sessions: repository.NewSessionRepo(db),
			clients:  repository.NewClientRepo(db),
			db:       db,
		}, nil
	}

	mem := repository.NewMemory()
	if cfg.BootstrapClientID != "" {
		hash, err := utils.HashPassword(cfg.BootstrapClientSecret, cfg.BcryptCost)
		if err != nil {
			return repos{}, fmt.Errorf("hash bootstrap secret: %w", err)
		}
		mem.Clients.Put(model.Client{
			ID:         cfg.BootstrapClientID,
			SecretHash: hash,
			Scopes:     model.ParseScopes(cfg.BootstrapClientScopes),
		})
		logger.Info("bootstrap client registered", "client_id", cfg.BootstrapClientID)
	}
	logger.Warn("memory storage: licenses are lost on restart")
	return repos{licenses: mem.Licenses, hwids: mem.Hwids, sessions: mem.Sessions, clients: mem.Clients}, nil
}
