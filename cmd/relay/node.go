package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/relay/internal/gateway"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
	"github.com/nous-labs/relay/pkg/channel"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the local compute node",
	Long: `Serves /process, /resume, /result/{id}, /health and /metrics on node.listen
for the VPS gateway, and writes a heartbeat to the store.`,
	RunE: runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(gateway.RoleLocal)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfg, gateway.RoleLocal)
	if err != nil {
		return err
	}
	defer c.close(logger)

	var delivery *tools.DeliveryClient
	var sender channel.Sender
	if cfg.Node.DeliveryURL != "" {
		delivery = tools.NewDeliveryClient(cfg.Node.DeliveryURL, cfg.Node.Token)
		sender = gateway.DeliverySender{Client: delivery}
	} else {
		logger.Info("no delivery url, the VPS will poll for async results")
	}

	queue := taskqueue.New(c.store, sender, cfg.QueueConfig(),
		taskqueue.WithLogger(logger.With("component", "tasks")),
		taskqueue.WithEvents(c.bus))

	g := gateway.New(gateway.Deps{
		Store:     c.store,
		Router:    c.router,
		Direct:    c.direct,
		Runtime:   c.runtime,
		RuntimeUp: c.runtimeUp,
		Queue:     queue,
		Budget:    c.budget,
		Events:    c.bus,
		Logger:    logger.With("role", gateway.RoleLocal),
	}, cfg.GatewayOptions(gateway.RoleLocal))
	defer g.Close()

	opts := cfg.NodeServerOptions()
	opts.Delivery = delivery
	server := gateway.NewNodeServer(g, opts)

	if n, err := queue.RecoverInterrupted(ctx); err != nil {
		logger.Warn("recover interrupted tasks", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted tasks", "count", n)
	}

	logger.Info("relay node starting", "version", version, "node", opts.NodeID, "listen", cfg.Node.Listen, "store", storeKind(cfg.Store.DSN))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return gateway.Serve(gctx, cfg.Node.Listen, server.Handler(), logger) })
	grp.Go(func() error {
		server.Run(gctx)
		return nil
	})

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay node stopped with error", "error", err)
		return err
	}
	logger.Info("relay node stopped")
	return nil
}
