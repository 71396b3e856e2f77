package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/tesar-games/arena-server/internal/catalog"
	"github.com/tesar-games/arena-server/internal/config"
	"github.com/tesar-games/arena-server/internal/loadout"
	"github.com/tesar-games/arena-server/internal/match"
	"github.com/tesar-games/arena-server/internal/residency"
	"github.com/tesar-games/arena-server/internal/reward"
	"github.com/tesar-games/arena-server/internal/server"
	"github.com/tesar-games/arena-server/internal/session"
	"github.com/tesar-games/arena-server/internal/sweeper"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting arena server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	// Create context that listens for termination signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cards, err := catalog.New(cfg.Cards)
	if err != nil {
		logger.Fatal("invalid card catalog", zap.Error(err))
	}

	// Storage
	var (
		durable  residency.Durable
		loadouts loadout.Provider
		ledger   reward.Ledger
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := newPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		store := residency.NewPostgresStore(pool, logger)
		provider := loadout.NewPostgresProvider(pool, logger)
		pgLedger := reward.NewPostgresLedger(pool, cfg.Reward.IssuanceCap, logger)
		for name, migrate := range map[string]func(context.Context) error{
			"matches":  store.Migrate,
			"loadouts": provider.Migrate,
			"rewards":  pgLedger.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				logger.Fatal("failed to migrate schema", zap.String("schema", name), zap.Error(err))
			}
		}
		durable, loadouts, ledger = store, provider, pgLedger

	default:
		logger.Warn("using in-memory storage; state is lost on restart and no loadouts are provisioned")
		durable = residency.NewMemoryStore(logger)
		loadouts = loadout.NewMemoryProvider(logger)
		ledger = reward.NewMemoryLedger(cfg.Reward.IssuanceCap, logger)
	}

	// Delegation venue
	var venue residency.Venue
	switch cfg.Venue.Driver {
	case config.DriverRedis:
		redisVenue, err := residency.NewRedisVenue(ctx, cfg.Venue.RedisURL, cfg.Venue.TTL, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis venue", zap.Error(err))
		}
		defer redisVenue.Close()
		venue = redisVenue
	case config.DriverMemory:
		venue = residency.NewMemoryVenue(logger)
	default:
		logger.Info("delegation disabled")
	}

	protocol := residency.NewProtocol(durable, venue, logger)

	// Sessions
	sessionMgr := session.NewManager([]byte(cfg.Session.Secret), cfg.Session.TTL, logger)
	go sessionMgr.Run(ctx, cfg.Session.CleanupInterval)

	// Match manager
	gate := reward.NewGate(protocol, ledger, reward.Amounts{
		Trophies: cfg.Reward.Trophies,
		MMR:      cfg.Reward.MMR,
	}, logger)
	matchMgr := match.NewManager(protocol, cards, loadouts, sessionMgr, gate, logger,
		match.WithSimulationAuthority(cfg.Battle.SimulationAuthority),
	)

	hub := server.NewHub(cfg.Server.WebSocket.WriteTimeout, logger)
	go hub.Run(ctx)
	matchMgr.Subscribe(hub.Publish)

	// Inactivity sweeper
	sweep := sweeper.New(durable, matchMgr, sweeper.Config{
		Timeout:  cfg.Battle.InactivityTimeout,
		Interval: cfg.Battle.SweepInterval,
	}, logger)
	if err := sweep.Start(); err != nil {
		logger.Fatal("failed to start inactivity sweeper", zap.Error(err))
	}

	// Create gRPC server
	limiter := server.NewRateLimiter(rate.Limit(cfg.Server.DeployRate), cfg.Server.DeployBurst, server.DeployUnitMethod)
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.ChainUnaryInterceptors(
			server.RecoveryInterceptor(logger),
			server.LoggingInterceptor(logger),
			limiter.Interceptor(),
		)),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.MaxConcurrentStreams(uint32(cfg.Server.GRPC.MaxConcurrentStreams)),
	)

	server.Register(grpcServer, server.NewArenaServer(matchMgr, sessionMgr, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.Server.GRPC.Address)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	// Start gRPC server
	go func() {
		logger.Info("starting gRPC server", zap.String("address", cfg.Server.GRPC.Address))
		if serveErr := grpcServer.Serve(lis); serveErr != nil {
			logger.Error("gRPC server error", zap.Error(serveErr))
		}
	}()

	// Start WebSocket server
	go func() {
		if wsErr := server.StartWebSocketServer(ctx, cfg.Server.WebSocket, hub, matchMgr, logger); wsErr != nil {
			logger.Error("WebSocket server error", zap.Error(wsErr))
		}
	}()

	logger.Info("arena server initialized",
		zap.String("version", version),
		zap.String("grpc_address", cfg.Server.GRPC.Address),
		zap.String("websocket_address", cfg.Server.WebSocket.Address),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("venue", cfg.Venue.Driver),
	)

	// Wait for termination signal
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	if err := sweep.Stop(); err != nil {
		logger.Warn("failed to stop inactivity sweeper", zap.Error(err))
	}
	cancel()

	logger.Info("arena server stopped")
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
