// Package app assembles the bridge roles from environment and file
// configuration and runs them until the context ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cordum/hookbridge/core/bridge/appservice"
	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/grants"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/bridge/provisioning"
	"github.com/cordum/hookbridge/core/bridge/sandbox"
	"github.com/cordum/hookbridge/core/bridge/sender"
	"github.com/cordum/hookbridge/core/bridge/webhooks"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/httpserver"
	"github.com/cordum/hookbridge/core/infra/locks"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/metrics"
	"github.com/cordum/hookbridge/core/infra/secrets"
	"github.com/cordum/hookbridge/core/infra/state"
	"github.com/cordum/hookbridge/core/matrix"
)

// Roles a process can run.
const (
	RoleBridge   = "bridge"
	RoleWebhooks = "webhooks"
	RoleSender   = "sender"
)

const metricsNamespace = "hookbridge"

var errNoRoles = errors.New("no roles to run")

// Runtime holds what the roles of one process share.
type Runtime struct {
	env     *config.Config
	current atomic.Pointer[config.BridgeConfig]
	bus     bus.MessageBus
	claims  locks.Store
	prom    *metrics.Prom

	reloadMu sync.Mutex
	onReload []func(*config.BridgeConfig)
}

// Config returns the bridge config currently in force.
func (rt *Runtime) Config() *config.BridgeConfig {
	return rt.current.Load()
}

func (rt *Runtime) watchReload(fn func(*config.BridgeConfig)) {
	rt.reloadMu.Lock()
	rt.onReload = append(rt.onReload, fn)
	rt.reloadMu.Unlock()
}

func (rt *Runtime) reload(cfg *config.BridgeConfig) {
	rt.current.Store(cfg)
	rt.reloadMu.Lock()
	fns := append([]func(*config.BridgeConfig) nil, rt.onReload...)
	rt.reloadMu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}

// Run starts roles and blocks until ctx is done or one of them fails.
// With the local bus every role must run in this process.
func Run(ctx context.Context, cfg *config.Config, roles ...string) error {
	if len(roles) == 0 {
		return errNoRoles
	}
	for _, role := range roles {
		switch role {
		case RoleBridge, RoleWebhooks, RoleSender:
		default:
			return fmt.Errorf("unknown role %q", role)
		}
	}
	bridgeCfg, err := config.LoadBridgeConfig(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Queue == config.QueueLocal && len(roles) < 3 {
		logging.Warn("app", "local bus only reaches roles in this process", "roles", strings.Join(roles, ","))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt := &Runtime{env: cfg, prom: metrics.NewProm(metricsNamespace)}
	rt.current.Store(bridgeCfg)
	rt.bus, err = OpenBus(ctx, cfg, rt.prom)
	if err != nil {
		return err
	}
	defer rt.bus.Close()
	rt.claims, err = locks.Open(ctx, cfg.ClaimsBackend, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rt.claims.Close()

	starters := map[string]func(context.Context, *errgroup.Group) error{
		RoleBridge:   rt.startBridge,
		RoleWebhooks: rt.startWebhooks,
		RoleSender:   rt.startSender,
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, role := range roles {
		if err := starters[role](ctx, g); err != nil {
			return fmt.Errorf("start %s: %w", role, err)
		}
		logging.Info("app", "role started", "role", role, "queue", cfg.Queue)
	}

	g.Go(func() error {
		return config.Watch(ctx, cfg.ConfigPath, rt.reload)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return httpserver.Serve(ctx, "metrics", httpserver.MetricsServer(cfg.MetricsAddr))
		})
	}
	return g.Wait()
}

// OpenBus connects the backend named by cfg.Queue.
func OpenBus(ctx context.Context, cfg *config.Config, m bus.Metrics) (bus.MessageBus, error) {
	switch cfg.Queue {
	case config.QueueLocal, "":
		return bus.NewLocalBus(m), nil
	case config.QueueRedis:
		b, err := bus.NewRedisBus(ctx, cfg.RedisURL, m)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.QueueNATS:
		b, err := bus.NewNatsBus(cfg.NatsURL, bus.NatsOptions{Queue: cfg.QueueGroup, Name: metricsNamespace}, m)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue)
	}
}

func (rt *Runtime) startBridge(ctx context.Context, g *errgroup.Group) error {
	bridgeCfg := rt.Config()
	store, err := state.Open(ctx, rt.env.StateBackend, rt.env.StateURL)
	if err != nil {
		return err
	}

	rules, err := permissions.FromConfig(bridgeCfg.Permissions)
	if err != nil {
		_ = store.Close()
		return err
	}
	members := permissions.NewMembers()
	perms := permissions.NewEngine(rules, members)

	var homeserver *matrix.Client
	if bridgeCfg.Bridge.HomeserverURL != "" {
		homeserver, err = matrix.NewClient(bridgeCfg.Bridge.HomeserverURL, bridgeCfg.Bridge.ASToken, nil)
		if err != nil {
			_ = store.Close()
			return err
		}
	}
	rt.watchReload(func(cfg *config.BridgeConfig) {
		rules, err := permissions.FromConfig(cfg.Permissions)
		if err != nil {
			logging.Warn("app", "keeping previous permission rules", "error", err)
			return
		}
		perms.SetRules(rules)
		if homeserver != nil {
			perms.Prefetch(ctx, homeserver)
		}
	})

	messenger := sender.NewMessageClient(rt.bus, connections.BusSender, 0)
	deps := connections.Deps{
		Store:     store,
		Messenger: messenger,
		Sandbox:   sandbox.New(bridgeCfg.Generic.TransformBudget(), rt.prom),
		Config:    rt.Config,
		Redactor:  secrets.NewRedactor(),
	}
	registry := connections.NewRegistry()
	dispatcher := connections.NewDispatcher(registry, perms, messenger, rt.prom, 0)
	isBridgeUser := func(userID string) bool { return rt.Config().Bridge.IsBridgeUser(userID) }
	checker := grants.NewChecker(store, isBridgeUser, PermissionAccess(perms))
	manager := connections.NewManager(registry, dispatcher, deps, checker, perms)

	if homeserver != nil {
		perms.Prefetch(ctx, homeserver)
	}
	if err := manager.Start(ctx); err != nil {
		_ = store.Close()
		return err
	}
	detach, err := manager.Attach(rt.bus)
	if err != nil {
		_ = store.Close()
		return err
	}

	as := appservice.New(appservice.Options{
		Config:     rt.Config,
		Store:      store,
		Dispatcher: dispatcher,
		States:     manager,
		Members:    members,
		Metrics:    metrics.NewHTTPProm(metricsNamespace, "appservice"),
		Claims:     rt.claims,
	})
	prov := provisioning.New(rt.Config, manager, perms, checker, rt.bus, metrics.NewHTTPProm(metricsNamespace, "provisioning"))

	g.Go(func() error {
		defer func() {
			detach()
			for _, conn := range registry.All() {
				conn.Close()
			}
			if err := store.Close(); err != nil {
				logging.Warn("app", "state store close failed", "error", err)
			}
		}()
		return httpserver.Serve(ctx, "appservice", httpserver.New(rt.env.AppserviceAddr, as.Handler()))
	})
	if rt.env.ProvisioningAddr != "" {
		g.Go(func() error {
			return httpserver.Serve(ctx, "provisioning", httpserver.New(rt.env.ProvisioningAddr, prov.Handler()))
		})
	}
	return nil
}

func (rt *Runtime) startWebhooks(ctx context.Context, g *errgroup.Group) error {
	srv := webhooks.New(rt.bus, rt.Config, rt.claims, rt.prom, metrics.NewHTTPProm(metricsNamespace, "webhooks"))
	g.Go(func() error {
		return httpserver.Serve(ctx, "webhooks", httpserver.New(rt.env.WebhookAddr, srv.Handler()))
	})
	return nil
}

func (rt *Runtime) startSender(ctx context.Context, g *errgroup.Group) error {
	bridgeCfg := rt.Config()
	homeserver, err := matrix.NewClient(bridgeCfg.Bridge.HomeserverURL, bridgeCfg.Bridge.ASToken, nil)
	if err != nil {
		return err
	}
	detach, err := sender.NewMatrixSender(homeserver).Attach(rt.bus)
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		detach()
		return nil
	})
	return nil
}

// PermissionAccess treats manageConnections on a connection's service as
// live access to its remote resource.
func PermissionAccess(perms *permissions.Engine) grants.AccessFunc {
	return func(_ context.Context, sender, connectionID string) (bool, error) {
		service, _, ok := strings.Cut(connectionID, ":")
		if !ok || service == "" {
			return false, fmt.Errorf("malformed connection id %q", connectionID)
		}
		return perms.Check(sender, service, permissions.LevelManageConnections), nil
	}
}
