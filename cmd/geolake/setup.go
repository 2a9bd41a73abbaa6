package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/geolake/geolake/internal/artifact"
	"github.com/geolake/geolake/internal/config"
	"github.com/geolake/geolake/internal/events"
	"github.com/geolake/geolake/internal/queue"
	"github.com/geolake/geolake/internal/registry"
	"github.com/geolake/geolake/internal/store"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/pkg/log"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const eventsStreamMaxLen = 10000

// components holds what every subcommand shares. The release func returned by
// setup closes them in reverse order.
type components struct {
	cfg    *config.Config
	db     *gorm.DB
	store  store.Store
	queue  queue.Queue
	events *events.EventProducer
}

func setup(component string, memoryQueue bool) (*components, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("reading configuration: %w", err)
	}

	undoLog := log.Setup(cfg.Service.LogLevel)
	zap.S().Named(component).Infow("starting", "db", cfg.Database.Type, "queue", cfg.Queue.Type, "events", cfg.Service.EventsWriter)

	db, err := store.InitDB(cfg)
	if err != nil {
		undoLog()
		return nil, nil, fmt.Errorf("initializing data store: %w", err)
	}
	s := store.NewStore(db)

	rt := &components{cfg: cfg, db: db, store: s}
	closers := []func(){undoLog, func() { _ = s.Close() }}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if memoryQueue || cfg.Queue.Type == "memory" {
		rt.queue = queue.NewMemoryQueue(cfg.Agent.ReceiveBlock)
	} else {
		client, err := queue.NewRedisClient(queue.RedisConfig{
			Addrs:    cfg.Queue.Addrs,
			Username: cfg.Queue.Username,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
		})
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		rt.queue = queue.NewRedisQueue(client, cfg.Queue.KeyPrefix, cfg.Agent.ReceiveBlock)
	}
	closers = append(closers, func() { _ = rt.queue.Close() })

	writer, err := newEventsWriter(cfg)
	if err != nil {
		release()
		return nil, nil, err
	}
	rt.events = events.NewEventProducer(writer, events.WithSource("geolake."+component))
	closers = append(closers, func() { _ = rt.events.Close() })

	return rt, release, nil
}

func newEventsWriter(cfg *config.Config) (events.Writer, error) {
	switch cfg.Service.EventsWriter {
	case "stdout", "":
		return &events.StdoutWriter{}, nil
	case "redis":
		client, err := queue.NewRedisClient(queue.RedisConfig{
			Addrs:    cfg.Queue.Addrs,
			Username: cfg.Queue.Username,
			Password: cfg.Queue.Password,
			DB:       cfg.Queue.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting the events writer to redis: %w", err)
		}
		return events.NewRedisWriter(client, eventsStreamMaxLen), nil
	default:
		return nil, fmt.Errorf("unknown events writer %q", cfg.Service.EventsWriter)
	}
}

func (rt *components) registry() *registry.Registry {
	return registry.New(rt.store, rt.cfg.Dispatcher.StaleAfter(), rt.cfg.Dispatcher.MaxRetries, registry.WithEvents(rt.events))
}

// artifactStore builds the configured artifact backend and the storage record it writes to.
func artifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, model.Storage, error) {
	storage := model.Storage{Name: cfg.Artifact.StorageName}

	switch cfg.Artifact.Type {
	case "local", "":
		backend, err := artifact.NewLocalStore(cfg.Artifact.LocalPath, cfg.Artifact.BaseURI)
		if err != nil {
			return nil, storage, err
		}
		storage.Protocol = "file"
		storage.Host = cfg.Artifact.LocalPath
		return backend, storage, nil
	case "s3", "minio":
		backend, err := artifact.NewMinioStore(
			artifact.WithEndpoint(cfg.Artifact.S3.Endpoint),
			artifact.WithBucket(cfg.Artifact.S3.Bucket),
			artifact.WithAccessKey(cfg.Artifact.S3.AccessKey),
			artifact.WithSecretKey(cfg.Artifact.S3.SecretKey),
			artifact.WithSSL(cfg.Artifact.S3.UseSSL),
		)
		if err != nil {
			return nil, storage, err
		}
		if err := backend.EnsureBucket(ctx); err != nil {
			return nil, storage, err
		}
		storage.Protocol = "s3"
		storage.Host = cfg.Artifact.S3.Endpoint
		return backend, storage, nil
	default:
		return nil, storage, fmt.Errorf("unknown artifact store type %q", cfg.Artifact.Type)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
