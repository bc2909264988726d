// Command regiond runs one region controller process: the rack-facing RPC
// endpoint, the periodic region tasks, and the event fanout surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/metalgrid/regiond/cmd/regiond/eventloop"
	"github.com/metalgrid/regiond/cmd/regiond/fanout"
	"github.com/metalgrid/regiond/cmd/regiond/handlers"
	"github.com/metalgrid/regiond/cmd/regiond/models"
	"github.com/metalgrid/regiond/cmd/regiond/registry"
	"github.com/metalgrid/regiond/cmd/regiond/repository"
	"github.com/metalgrid/regiond/cmd/regiond/rpcserver"
	"github.com/metalgrid/regiond/cmd/regiond/service"
	"github.com/metalgrid/regiond/common/bootstrap"
	"github.com/metalgrid/regiond/common/config"
	"github.com/metalgrid/regiond/common/listener"
	"github.com/metalgrid/regiond/common/locks"
	"github.com/metalgrid/regiond/common/logger"
	"github.com/metalgrid/regiond/common/rpc"
	"github.com/metalgrid/regiond/common/server"
)

func main() {
	root := &cobra.Command{
		Use:           "regiond",
		Short:         "Region controller daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "regiond:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the region controller process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), role)
		},
	}
	cmd.Flags().StringVar(&role, "role", "",
		`process role: "worker", "master" or "all" (overrides REGIOND_ROLE)`)
	return cmd
}

func serve(ctx context.Context, role string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "regiond")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := components.Shutdown(shutdownCtx); err != nil {
			components.Logger.Error("shutdown incomplete", "error", err)
		}
	}()

	cfg, log := components.Config, components.Logger
	if role != "" {
		cfg.Service.Role = role
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if cfg.RPC.Secret == "" {
		return errors.New("RPC_SECRET is required")
	}
	process := cfg.ProcessID()

	rackStore := repository.NewRackStore(components.DB)
	nodeStore := repository.NewNodeStore(components.DB)
	bootStore := repository.NewBootSourceStore(components.DB)
	dnsStore := repository.NewDNSStore(components.DB)
	eventStore := repository.NewEventStore(components.DB)
	configStore := repository.NewConfigStore(components.DB)
	connStore := repository.NewConnectionStore(components.DB)
	notifier := repository.NewNotifier(components.DB)
	advisory := repository.NewAdvisoryLocks(components.DB)

	// Every process must agree on the cluster identity before accepting
	// racks, so resolve it ahead of anything else.
	clusterUUID, err := configStore.ClusterUUID(ctx)
	if err != nil {
		return fmt.Errorf("resolve cluster UUID: %w", err)
	}
	log.Info("region process starting",
		"process", process, "role", cfg.Service.Role, "cluster", clusterUUID)

	// A previous incarnation under the same host:pid cannot still hold
	// sessions; its rows are stale.
	if purged, err := connStore.PurgeProcess(ctx, process); err != nil {
		log.Warn("stale connection cleanup failed", "error", err)
	} else if purged > 0 {
		log.Info("purged stale connection records", "rows", purged)
	}

	racks := registry.New(log, &connectionMirror{store: connStore, process: process})

	registration := service.NewRegistrationService(rackStore, log)
	bootCache := service.NewBootCacheService(bootStore, service.NewStreamFetcher(), log)
	dnsPub := service.NewDNSPublicationService(dnsStore, notifier, log)
	power := service.NewPowerService(nodeStore, racks, log)
	status := service.NewStatusService(bootStore, racks, log)
	configFan := service.NewConfigFanoutService(configStore, racks, log)
	discovery := service.NewDiscoveryService(advisory, notifier, log)

	handler := handlers.New(handlers.Options{
		Secret:      []byte(cfg.RPC.Secret),
		ClusterUUID: clusterUUID,
		Registrar:   registration,
		Controllers: rackStore,
		Nodes:       nodeStore,
		Events:      eventStore,
		Config:      configStore,
		Log:         log,
		OnRegistered: func(ctx context.Context, conn *rpc.Conn, systemID string) {
			racks.Register(ctx, systemID, conn)
		},
	})

	rpcServer := rpcserver.New(rpcserver.Options{
		Addr:        fmt.Sprintf(":%d", cfg.RPC.Port),
		Secret:      []byte(cfg.RPC.Secret),
		Registry:    rpc.DefaultRegistry(),
		Responder:   handler,
		Sessions:    racks,
		Log:         log,
		CallTimeout: cfg.RPC.CallTimeout,
	})

	hub := fanout.NewHub(log)
	publisher := fanout.NewPublisher(components.Redis, process, log)
	subscriber := fanout.NewSubscriber(components.Redis, hub, log)
	unsubscribe := racks.Subscribe(publisher.PublishRackEvent)
	defer unsubscribe()

	if err := registerNotifications(components, publisher, configFan, log); err != nil {
		return err
	}

	services, err := buildServices(ctx, cfg, log, components, advisory,
		rpcServer, hub, subscriber, bootCache, dnsPub, power, status, configFan, discovery)
	if err != nil {
		return err
	}

	supervisor := eventloop.NewSupervisor(services, log)
	if err := supervisor.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		supervisor.Stop(stopCtx)
		return fmt.Errorf("start services: %w", err)
	}

	e := setupEcho(components, racks, dnsPub, hub, configFan, connStore, nodeStore, dnsStore)
	httpServer := server.New("http server", cfg.Service.Port, e, log)
	if err := httpServer.Start(ctx); err != nil {
		log.Error("http server failed", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := supervisor.Stop(stopCtx); err != nil {
		log.Error("service shutdown incomplete", "error", err)
	}
	racks.CloseAll()
	return nil
}

// registerNotifications wires the Postgres NOTIFY stream: row changes are
// republished to redis for the websocket fanout, configuration changes are
// pushed to every connected rack, and DNS serial publications are announced
// on their own topic.
func registerNotifications(components *bootstrap.Components, publisher *fanout.Publisher,
	configFan *service.ConfigFanoutService, log *logger.Logger) error {

	for _, table := range []string{"node", "controller", "event", "domain", "subnet"} {
		if _, err := components.Listener.Register(table, publisher.RowChangeHandler(table)); err != nil {
			return err
		}
	}

	if _, err := components.Listener.Register("config", func(ctx context.Context, _ listener.Action, _ string) error {
		var errs *multierror.Error
		for _, kind := range []string{"ntp", "dns", "proxy", "syslog"} {
			if err := configFan.Push(ctx, kind); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					continue
				}
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}); err != nil {
		return err
	}

	if _, err := components.Listener.RegisterSystem(service.DNSChannel, func(ctx context.Context, payload string) error {
		log.Info("dns serial published", "serial", payload)
		return components.Redis.PublishEvent(ctx, fanout.ChannelPrefix+"dns", payload)
	}); err != nil {
		return err
	}
	return nil
}

// buildServices resolves the process service graph for the configured role.
func buildServices(ctx context.Context, cfg *config.Config, log *logger.Logger,
	components *bootstrap.Components, advisory *repository.AdvisoryLocks,
	rpcServer *rpcserver.Server, hub *fanout.Hub, subscriber *fanout.Subscriber,
	bootCache *service.BootCacheService, dnsPub *service.DNSPublicationService,
	power *service.PowerService, status *service.StatusService,
	configFan *service.ConfigFanoutService, discovery *service.DiscoveryService,
) ([]eventloop.Service, error) {

	static := func(s eventloop.Service) eventloop.Factory {
		return func(context.Context, map[string]eventloop.Service) (eventloop.Service, error) {
			return s, nil
		}
	}
	loop := func(name string, interval time.Duration, immediate bool, fn func(ctx context.Context) error) eventloop.Factory {
		return func(context.Context, map[string]eventloop.Service) (eventloop.Service, error) {
			lc := eventloop.NewLoopingCall(name, interval, log, fn)
			lc.RunImmediately = immediate
			return lc, nil
		}
	}

	graph := eventloop.NewGraph(eventloop.Role(cfg.Service.Role), log)
	graph.ImportServices = cfg.Service.ImportServices
	graph.MustAdd(eventloop.Spec{
		Name:    "notification-listener",
		Factory: static(&listenerService{listener: components.Listener}),
	})
	graph.MustAdd(eventloop.Spec{
		Name: "fanout-hub",
		Factory: static(eventloop.NewBackgroundService("fanout-hub", log, func(ctx context.Context) error {
			hub.Run(ctx)
			return nil
		})),
	})
	graph.MustAdd(eventloop.Spec{
		Name:     "event-subscriber",
		Requires: []string{"fanout-hub"},
		Factory:  static(eventloop.NewBackgroundService("event-subscriber", log, subscriber.Run)),
	})
	graph.MustAdd(eventloop.Spec{
		Name:    "rpc",
		Factory: static(rpcServer),
	})
	// The refresh holds the cluster boot-import lock so only one process
	// imports at a time; losing the race is not a failure.
	refresh := func(ctx context.Context) error {
		err := advisory.TryBootImport(ctx, bootCache.Refresh)
		if errors.Is(err, locks.ErrNotHeld) {
			return nil
		}
		return err
	}
	graph.MustAdd(eventloop.Spec{
		Name:          "boot-cache",
		OnlyOnMaster:  true,
		ImportService: true,
		Factory:       loop("boot-cache", cfg.Intervals.BootCacheRefresh, true, refresh),
	})
	graph.MustAdd(eventloop.Spec{
		Name:         "dns-gc",
		OnlyOnMaster: true,
		Factory:      loop("dns-gc", cfg.Intervals.DNSPublicationGC, false, dnsPub.GarbageCollect),
	})
	graph.MustAdd(eventloop.Spec{
		Name:     "power-sweep",
		Requires: []string{"rpc"},
		Factory:  loop("power-sweep", cfg.Intervals.PowerQuery, false, power.Sweep),
	})
	graph.MustAdd(eventloop.Spec{
		Name:     "status-monitor",
		Requires: []string{"rpc"},
		Factory:  loop("status-monitor", cfg.Intervals.StatusMonitor, false, status.Check),
	})
	graph.MustAdd(eventloop.Spec{
		Name:         "active-discovery",
		OnlyOnMaster: true,
		Factory:      loop("active-discovery", cfg.Intervals.ActiveDiscovery, false, discovery.Scan),
	})
	graph.MustAdd(eventloop.Spec{
		Name:     "config-retry",
		Requires: []string{"rpc"},
		Factory: loop("config-retry", cfg.Intervals.ConfigRetry, false, func(ctx context.Context) error {
			configFan.Retry(ctx)
			return nil
		}),
	})
	return graph.Populate(ctx)
}

func setupEcho(components *bootstrap.Components, racks *registry.Registry,
	dnsPub *service.DNSPublicationService, hub *fanout.Hub,
	configFan *service.ConfigFanoutService, connStore *repository.ConnectionStore,
	nodeStore *repository.NodeStore, dnsStore *repository.DNSStore) *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())

	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	e.GET("/api/racks", func(c echo.Context) error {
		connected := racks.Connected()
		return c.JSON(http.StatusOK, map[string]any{
			"connected":      connected,
			"count":          len(connected),
			"pending_pushes": configFan.PendingRetries(),
		})
	})

	// The cluster-wide view: the local registry only knows sessions held
	// by this process, the connection table covers every region worker.
	e.GET("/api/racks/:system_id", func(c echo.Context) error {
		conns, err := connStore.ListForRack(c.Request().Context(), c.Param("system_id"))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		out := make([]map[string]any, 0, len(conns))
		for _, conn := range conns {
			out = append(out, map[string]any{
				"process":      conn.Process,
				"endpoint":     conn.Endpoint,
				"version":      conn.Version,
				"beacon_aware": conn.BeaconAware,
				"connected_at": conn.ConnectedAt,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"connections": out,
			"count":       len(out),
		})
	})

	e.GET("/api/nodes/:system_id", func(c echo.Context) error {
		node, err := nodeStore.NodeBySystemID(c.Request().Context(), c.Param("system_id"))
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "no such node"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"system_id":    node.SystemID,
			"hostname":     node.Hostname,
			"architecture": node.Architecture,
			"status":       int(node.Status),
			"power_type":   node.PowerType,
			"power_state":  node.PowerState,
			"created":      node.Created,
		})
	})

	e.GET("/api/dns/publications", func(c echo.Context) error {
		limit := 20
		if raw := c.QueryParam("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		pubs, err := dnsStore.Publications(c.Request().Context(), limit)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		out := make([]map[string]any, 0, len(pubs))
		for _, p := range pubs {
			out = append(out, map[string]any{
				"serial":  p.Serial,
				"source":  p.Source,
				"created": p.Created,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"publications": out})
	})

	e.POST("/api/dns/publish", func(c echo.Context) error {
		serial, err := dnsPub.Publish(c.Request().Context(), "api request")
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"serial": serial})
	})

	e.GET("/ws/:topic", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		fanout.NewClient(hub, conn, c.Param("topic")).Serve()
		return nil
	})

	return e
}

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// connectionMirror adapts the connection table to the registry's mirror
// interface, pinning rows to this process identity.
type connectionMirror struct {
	store   *repository.ConnectionStore
	process string
}

func (m *connectionMirror) RegisterConnection(ctx context.Context, rackSystemID, endpoint string, version int) error {
	return m.store.Upsert(ctx, models.RackConnection{
		RackSystemID: rackSystemID,
		Process:      m.process,
		Endpoint:     endpoint,
		Version:      version,
		ConnectedAt:  time.Now().UTC(),
	})
}

func (m *connectionMirror) UnregisterConnection(ctx context.Context, rackSystemID, endpoint string) error {
	return m.store.Delete(ctx, rackSystemID, m.process, endpoint)
}

// listenerService runs the shared notification listener under the process
// supervisor.
type listenerService struct {
	listener *listener.Listener
}

func (s *listenerService) Name() string { return "notification-listener" }

func (s *listenerService) Start(ctx context.Context) error { return s.listener.Start(ctx) }

func (s *listenerService) Stop(ctx context.Context) error { return s.listener.Stop(ctx) }
