package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"routeflow/internal/admin"
	"routeflow/internal/cluster"
	"routeflow/internal/cluster/bloblock"
	"routeflow/internal/cluster/pglock"
	"routeflow/internal/cluster/redislock"
	"routeflow/internal/config"
	"routeflow/internal/ingest/kafka"
	"routeflow/internal/ingest/socket"
	"routeflow/internal/logging"
	"routeflow/internal/notify/rabbitmq"
	"routeflow/internal/raftengine"
	"routeflow/internal/routing"
	"routeflow/internal/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "routeflow.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New("routeflowd", cfg.Log.Level, cfg.Log.JSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("routeflowd stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("routeflowd stopped")
}

func run(ctx context.Context, cfg config.Config, logger hclog.Logger) error {
	store, err := sqlite.NewStore(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	locker, closeLocker, err := openLocker(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	opts := routing.OptionsFromConfig(cfg)
	opts.Logger = logger
	if cfg.Notify.RabbitMQ.Enabled {
		pub, err := rabbitmq.NewPublisher(rabbitmq.Config{
			Enabled:  true,
			URL:      cfg.Notify.RabbitMQ.URL,
			Exchange: cfg.Notify.RabbitMQ.Exchange,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := pub.Start(ctx); err != nil {
			return err
		}
		defer pub.Close()
		opts.Notifier = pub
	}
	svc := routing.NewService(store, locker, opts)

	logger.Info("starting",
		"node", cfg.Node.ID, "group", cfg.Node.GroupID, "mode", cfg.Routing.Mode,
		"lock", cfg.Lock.Backend, "socket", cfg.Ingest.Socket.Enabled,
		"kafka", cfg.Ingest.Kafka.Enabled, "rabbitmq", cfg.Notify.RabbitMQ.Enabled,
		"admin", cfg.Admin.Enabled)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(socketConfig(cfg.Ingest.Socket, logger), store, svc)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if cfg.Ingest.Kafka.Enabled {
		ad, err := kafka.NewAdapter(kafka.Config{
			Enabled: true,
			Brokers: cfg.Ingest.Kafka.Brokers,
			Topics:  cfg.Ingest.Kafka.Topics,
			GroupID: cfg.Ingest.Kafka.GroupID,
			Logger:  logger,
		}, store)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := ad.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			return nil
		})
	}
	if cfg.Admin.Enabled {
		api := admin.New(svc, admin.Options{Logger: logger, Health: store.Ping})
		g.Go(func() error { return api.Listen(cfg.Admin.Address) })
		g.Go(func() error {
			<-ctx.Done()
			return api.Shutdown()
		})
	}
	g.Go(func() error { return routeLoop(ctx, svc, cfg.Routing.Interval, logger) })

	return g.Wait()
}

func socketConfig(c config.SocketConfig, logger hclog.Logger) socket.Config {
	out := socket.Config{Network: c.Network, Address: c.Address, Logger: logger}
	if c.Network == "unix" {
		out.UnixSocketPath = c.Address
	}
	return out
}

// routeLoop runs the routing job on a fixed interval until ctx is done.
// A failed run is logged and retried on the next tick.
func routeLoop(ctx context.Context, svc *routing.Service, interval time.Duration, logger hclog.Logger) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := svc.RunOnce(ctx, false); err != nil && ctx.Err() == nil {
			logger.Error("routing run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func openLocker(ctx context.Context, cfg config.Config, store *sqlite.Store, logger hclog.Logger) (cluster.Locker, func(), error) {
	noop := func() {}
	owner := cluster.NewOwnerID()
	switch cfg.Lock.Backend {
	case "local":
		return cluster.NewLocal(), noop, nil
	case "sqlite":
		return cluster.NewTable(store, owner, cfg.Lock.TTL), noop, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return redislock.New(rdb, owner, cfg.Lock.TTL), func() { _ = rdb.Close() }, nil
	case "postgres":
		l, err := pglock.Open(ctx, cfg.Lock.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case "blob":
		l, err := bloblock.New(ctx, cfg.Lock.Blob.ConnectionString, cfg.Lock.Blob.Container, cfg.Lock.TTL)
		if err != nil {
			return nil, nil, err
		}
		return l, noop, nil
	case "raft":
		peers := cfg.Lock.Raft.PeerMap()
		e, err := raftengine.NewEngine(raftengine.Config{
			NodeID:              cfg.Lock.Raft.ID,
			Address:             peers[cfg.Lock.Raft.ID],
			PeerAddresses:       peers,
			BootstrapNewCluster: true,
			Logger:              logger,
		})
		if err != nil {
			return nil, nil, err
		}
		e.Start()
		return raftengine.NewLocker(e, owner, cfg.Lock.TTL), func() { _ = e.Stop() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}
