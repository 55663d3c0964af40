package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/config"
	"qazna.org/authcore/internal/grpcauth"
	"qazna.org/authcore/internal/httpapi"
	"qazna.org/authcore/internal/ids"
	"qazna.org/authcore/internal/obs"
	"qazna.org/authcore/internal/store/memory"
	"qazna.org/authcore/internal/store/pg"
	"qazna.org/authcore/internal/store/redisstore"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("load config", zap.Error(err))
	}
	logger, err := obs.InitLogger(cfg.LogLevel)
	if err != nil {
		obs.Logger().Fatal("init logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	if err := ids.SetNode(cfg.NodeID); err != nil {
		logger.Fatal("snowflake node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, ready, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open stores", zap.Error(err))
	}
	defer closeStores()
	obs.SetBuildInfo(obs.BuildInfo{
		Version:       version,
		Commit:        commit,
		IdentityStore: backend(cfg.PGDSN, "postgres"),
		StateStore:    backend(cfg.RedisAddr, "redis"),
	})

	if deps.Providers, err = cfg.Providers(); err != nil {
		logger.Fatal("configure providers", zap.Error(err))
	}
	keys, _ := cfg.Keys()
	sealKey, _ := cfg.SealingKey()

	facade, err := auth.Assemble(deps, auth.Settings{
		Keys:        keys,
		Issuer:      cfg.Issuer,
		Audience:    cfg.Audience,
		SealKey:     sealKey,
		AccessTTL:   cfg.AccessTTL,
		RefreshTTL:  cfg.RefreshTTL,
		PKCETTL:     cfg.PKCETTL,
		MaxAttempts: cfg.MaxAttempts,
		LoginWindow: cfg.LoginWindow,
		BcryptCost:  cfg.BcryptCost,
		Logger:      logger,
	}, auth.WithAuditor(audit.NewLogger(logger)), auth.WithMetrics(obs.AuthMetrics{}))
	if err != nil {
		logger.Fatal("assemble auth", zap.Error(err))
	}
	if err := facade.Bootstrap(ctx, auth.AdminSeed{Email: cfg.AdminEmail, Password: cfg.AdminPassword}); err != nil {
		logger.Fatal("bootstrap", zap.Error(err))
	}

	api := httpapi.New(facade, httpapi.Options{
		Version:        version,
		Ready:          ready,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		CORSOrigins:    cfg.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	policy := grpcauth.Policy{Public: map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
	}}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpcauth.UnaryServerInterceptor(facade, policy)),
		grpc.StreamInterceptor(grpcauth.StreamServerInterceptor(facade, policy)),
	)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	logger.Info("starting authcore",
		zap.String("version", version),
		zap.String("http_addr", srv.Addr),
		zap.String("grpc_addr", cfg.GRPCAddr),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("grpc serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthSrv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	logger.Info("stopped")
}

// openStores picks Postgres for durable records and Redis for expiring
// state, falling back to the in-memory store for whatever is not configured.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (auth.Dependencies, []httpapi.Pinger, func(), error) {
	mem := memory.New()
	deps := auth.Dependencies{
		Identities: mem,
		Links:      mem,
		Roles:      mem,
		Refresh:    mem,
		KV:         mem,
		Counters:   mem,
	}
	var (
		ready   []httpapi.Pinger
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return deps, nil, closeAll, err
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := db.EnsureSchema(ctx); err != nil {
			closeAll()
			return deps, nil, func() {}, err
		}
		deps.Identities, deps.Links, deps.Roles, deps.Refresh = db, db, db, db
		ready = append(ready, db)
	} else {
		logger.Warn("AUTHCORE_PG_DSN not set, principals and roles are kept in memory")
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, func() { _ = client.Close() })
		rs := redisstore.New(client, redisstore.WithPrefix(cfg.RedisPrefix))
		deps.KV, deps.Counters = rs, rs
		if cfg.PGDSN == "" {
			deps.Refresh = rs
		}
		ready = append(ready, rs)
	}
	return deps, ready, closeAll, nil
}

func backend(addr, name string) string {
	if addr == "" {
		return "memory"
	}
	return name
}
