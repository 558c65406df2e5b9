package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/relay/internal/channel/matrix"
	"github.com/nous-labs/relay/internal/gateway"
	"github.com/nous-labs/relay/internal/health"
	"github.com/nous-labs/relay/internal/taskqueue"
	"github.com/nous-labs/relay/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the always-on VPS gateway",
	Long: `Connects to Matrix, forwards messages to the local node while it is alive
and answers them here otherwise. Serves /health, /v1/status, /v1/events,
/v1/deliver and /metrics on http.addr.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(gateway.RoleVPS)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildCore(ctx, cfg, gateway.RoleVPS)
	if err != nil {
		return err
	}
	defer c.close(logger)

	mx := matrix.New(matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		Password:     cfg.Matrix.Password,
		ServerName:   cfg.Matrix.ServerName,
		AllowedUsers: cfg.Matrix.AllowedUsers,
		DataDir:      cfg.Matrix.DataDir,
		Reactions:    cfg.Matrix.Reactions,
	}, logger)

	queue := taskqueue.New(c.store, mx, cfg.QueueConfig(),
		taskqueue.WithLogger(logger.With("component", "tasks")),
		taskqueue.WithEvents(c.bus))
	mx.SetPrompts(queue)

	deps := gateway.Deps{
		Store:     c.store,
		Sender:    mx,
		Router:    c.router,
		Direct:    c.direct,
		Runtime:   c.runtime,
		RuntimeUp: c.runtimeUp,
		Queue:     queue,
		Budget:    c.budget,
		Events:    c.bus,
		Logger:    logger.With("role", gateway.RoleVPS),
	}
	var monitor *health.Monitor
	if cfg.Node.URL != "" {
		monitor = health.New(cfg.HealthMonitorConfig(),
			health.WithHeartbeat(c.store),
			health.WithLogger(logger.With("component", "health")),
			health.WithEvents(c.bus))
		deps.Health = monitor
		deps.Node = tools.NewNodeClient(cfg.Node.URL, cfg.Node.Token, cfg.GatewayOptions(gateway.RoleVPS).ForwardTimeout)
	} else {
		logger.Info("no local node configured, answering everything here")
	}

	g := gateway.New(deps, cfg.GatewayOptions(gateway.RoleVPS))
	defer g.Close()

	scheduler := taskqueue.NewScheduler(queue, cfg.StaleInterval())
	admin := gateway.NewAdminServer(g, cfg.Node.Token, monitor, scheduler, c.budget, c.bus)

	logger.Info("relay starting", "version", version, "role", gateway.RoleVPS, "node", cfg.Node.URL, "store", storeKind(cfg.Store.DSN))

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return mx.Start(gctx, g) })
	grp.Go(func() error { return gateway.Serve(gctx, cfg.HTTP.Addr, admin.Handler(), logger) })
	grp.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	if monitor != nil {
		grp.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
	}

	err = grp.Wait()
	mx.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped with error", "error", err)
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func storeKind(dsn string) string {
	switch {
	case dsn == "":
		return "none"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	}
	return "sqlite"
}
