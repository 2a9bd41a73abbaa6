package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/geolake/geolake/internal/agent"
	apiserver "github.com/geolake/geolake/internal/api_server"
	"github.com/geolake/geolake/internal/dispatcher"
	"github.com/geolake/geolake/internal/engine"
	"github.com/geolake/geolake/internal/service"
	"github.com/geolake/geolake/internal/store/model"
	"github.com/geolake/geolake/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func (c *components) startAPI(ctx context.Context, g *errgroup.Group) error {
	listener, err := newListener(c.cfg.Service.Address)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	opts := []service.Option{service.WithEvents(c.events), service.WithMaxEstimateBytes(c.cfg.Service.MaxEstimateBytes)}
	users := service.NewUserService(c.store, opts...)
	handler := apiserver.NewHandler(service.NewRequestService(c.store, c.queue, opts...), users, c.registry())

	server := apiserver.New(c.cfg.Service.Address, listener, handler, users, metrics.NewStoreCollector(c.store))
	g.Go(func() error {
		return server.Run(ctx)
	})
	return nil
}

func (c *components) startMetrics(ctx context.Context, g *errgroup.Group) error {
	listener, err := newListener(c.cfg.Service.MetricsAddress)
	if err != nil {
		return fmt.Errorf("creating metrics listener: %w", err)
	}

	server := apiserver.NewMetricServer(c.cfg.Service.MetricsAddress, listener, metrics.NewStoreCollector(c.store))
	g.Go(func() error {
		return server.Run(ctx)
	})
	return nil
}

func (c *components) startDispatcher(ctx context.Context, g *errgroup.Group) {
	d := dispatcher.New(c.store, c.registry(), c.queue, dispatcher.Config{
		PollInterval:        c.cfg.Dispatcher.PollInterval,
		ReclaimInterval:     c.cfg.Dispatcher.ReclaimInterval,
		Grace:               c.cfg.Dispatcher.Grace(),
		ClaimTimeout:        c.cfg.Dispatcher.ClaimTimeout,
		RunningRequestLimit: c.cfg.Dispatcher.RunningRequestLimit,
		MaxBackoff:          c.cfg.Dispatcher.MaxBackoff,
	}, dispatcher.WithEvents(c.events))

	g.Go(func() error {
		return d.Run(ctx)
	})
}

func (c *components) startAgent(ctx context.Context, g *errgroup.Group) error {
	artifacts, storage, err := artifactStore(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("initializing artifact store: %w", err)
	}

	e := engine.NewHTTPEngine(c.cfg.Agent.EngineURL, c.cfg.Agent.EngineTimeout)
	if err := e.HealthCheck(ctx); err != nil {
		// the engine may come up later, requests fail individually meanwhile
		zap.S().Named("agent").Warnw("engine is not reachable", "url", c.cfg.Agent.EngineURL, "error", err)
	}

	a := agent.New(c.store, c.registry(), c.queue, e, artifacts, agent.Config{
		Descriptor: model.WorkerDescriptor{
			Host:             c.cfg.Agent.Host,
			SchedulerPort:    c.cfg.Agent.SchedulerPort,
			DashboardAddress: c.cfg.Agent.DashboardAddress,
		},
		HeartbeatInterval:  c.cfg.Dispatcher.HeartbeatInterval,
		CancelPollInterval: c.cfg.Agent.CancelPollInterval,
		StorageName:        storage.Name,
	}, agent.WithEvents(c.events))

	g.Go(func() error {
		return a.Run(ctx)
	})
	return nil
}

// wait returns the first failure of g, a shutdown is not one.
func wait(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
