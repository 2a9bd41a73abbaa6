package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the geolake api",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("api", false)
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := signalContext()
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		if err := c.startAPI(ctx, g); err != nil {
			cancel()
			return err
		}
		return wait(g)
	},
}

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run a dispatcher assigning queued requests to idle workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("dispatcher", false)
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := signalContext()
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		if err := c.startMetrics(ctx, g); err != nil {
			cancel()
			return err
		}
		c.startDispatcher(ctx, g)
		return wait(g)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent of one compute worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("agent", false)
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := signalContext()
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		if err := c.startMetrics(ctx, g); err != nil {
			cancel()
			return err
		}
		if err := c.startAgent(ctx, g); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		return wait(g)
	},
}

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Run the api, a dispatcher and one agent in a single process on an in-memory queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, release, err := setup("standalone", true)
		if err != nil {
			return err
		}
		defer release()

		ctx, cancel := signalContext()
		defer cancel()

		if err := migrate(ctx, c); err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		if err := c.startAPI(ctx, g); err != nil {
			cancel()
			return err
		}
		c.startDispatcher(ctx, g)
		if err := c.startAgent(ctx, g); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		return wait(g)
	},
}
