package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/broker"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/cluster"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/config"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/dispatch"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata/oxia"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/routing"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/server"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/upstream"
)

// DefaultDrainTimeout is how long Shutdown waits for instances to disconnect
// before closing their connections.
const DefaultDrainTimeout = 5 * time.Second

// BrokerOptions contains the configuration for creating a broker.
type BrokerOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	BrokerID  string
	Version   string
	GitCommit string
	BuildTime string

	// Store overrides the cluster metadata store. Nil selects one from
	// Config.Cluster.Discovery.
	Store metadata.Store

	// Metrics collects every broker metric. Nil creates a private registry.
	Metrics *prometheus.Registry

	DrainTimeout time.Duration
}

// Broker represents a running broker instance.
type Broker struct {
	opts   BrokerOptions
	logger *logging.Logger

	promReg     *prometheus.Registry
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	broadcaster *broker.Broadcaster
	upstream    *upstream.Link
	acceptor    *broker.Acceptor

	metaStore     metadata.Store
	cluster       *cluster.Registry
	notifier      *cluster.Notifier
	tcpServer     *server.Server
	wsServer      *server.WSServer
	healthServer  *server.HealthServer
	metricsServer *metrics.Server

	ready chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	advertised string
	cancel     context.CancelFunc
}

// NewBroker builds the routing core of a broker. Listeners and cluster
// membership are set up by Start.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	if opts.Config == nil {
		return nil, errors.New("broker config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.BrokerID == "" {
		opts.BrokerID = uuid.New().String()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	promReg := opts.Metrics
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}
	cfg := opts.Config
	logger := opts.Logger.With(map[string]any{"brokerId": opts.BrokerID})

	strategy, err := routing.New(cfg.Broker.Strategy)
	if err != nil {
		return nil, err
	}
	reg := registry.New(strategy)
	reg.SetMetrics(metrics.NewRegistryMetricsWithRegistry(promReg))

	validator, err := newValidator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	mesh, err := auth.NewMeshAuthorizer(auth.MeshConfig{
		Enabled: cfg.Auth.MeshEnabled,
		Grants:  grants(cfg.Auth.Grants),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create mesh authorizer: %w", err)
	}

	b := &Broker{
		opts:     opts,
		logger:   logger,
		promReg:  promReg,
		registry: reg,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	dcfg := dispatch.Config{
		Registry:      reg,
		Authorizer:    mesh,
		StickyEnabled: cfg.Broker.StickyEnabled,
		Metrics:       metrics.NewDispatchMetricsWithRegistry(promReg),
		Logger:        logger,
	}
	acfg := broker.Config{
		BrokerID:       opts.BrokerID,
		Registry:       reg,
		Validator:      validator,
		Brokers:        b.Brokers,
		MaxFrameSize:   cfg.Broker.MaxFrameSize,
		SetupTimeout:   cfg.SetupTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		Metrics:        metrics.NewConnectionMetricsWithRegistry(promReg),
		Logger:         logger,
	}
	if len(cfg.Broker.UpstreamAddrs) > 0 {
		b.upstream = upstream.New(upstream.Config{
			Addrs:      cfg.Broker.UpstreamAddrs,
			Credential: cfg.Broker.UpstreamCredential,
			BrokerID:   opts.BrokerID,
			Logger:     logger,
		})
		dcfg.Upstream = b.upstream
		acfg.Upstream = b.upstream
	}
	b.dispatcher = dispatch.New(dcfg)
	acfg.Dispatcher = b.dispatcher

	b.broadcaster = broker.NewBroadcaster(broker.RegistryPeers(reg), broker.BroadcastConfig{
		MixedDelay:    time.Duration(cfg.Broadcast.MixedDelayMs) * time.Millisecond,
		ConsumerDelay: time.Duration(cfg.Broadcast.ConsumerDelayMs) * time.Millisecond,
		Metrics:       metrics.NewBroadcastMetricsWithRegistry(promReg),
		Logger:        logger,
	})
	acfg.Broadcaster = b.broadcaster
	b.acceptor = broker.NewAcceptor(acfg)

	return b, nil
}

func newValidator(cfg config.AuthConfig) (auth.Validator, error) {
	if !cfg.Enabled {
		return auth.AnonymousValidator{}, nil
	}
	store := auth.NewCredentialStore()
	if err := store.LoadFromFile(cfg.CredentialsFile); err != nil {
		return nil, err
	}
	return store, nil
}

// grants converts configured grants. Service is a gsv string, which hashes to
// the same id as the locator it names.
func grants(cfg []config.GrantConfig) []auth.Grant {
	out := make([]auth.Grant, 0, len(cfg))
	for _, g := range cfg {
		grant := auth.Grant{Requester: g.Requester, Responder: g.Responder}
		if g.Service != "" {
			grant.ServiceID = registry.Hash(g.Service)
		}
		out = append(out, grant)
	}
	return out
}

// Start opens the listeners, joins the cluster and serves until Shutdown is
// called or a component fails.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("broker already started")
	}
	b.started = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer close(b.done)
	defer cancel()

	cfg := b.opts.Config
	b.logger.Infof("starting broker", map[string]any{
		"clusterId":    cfg.Broker.ClusterID,
		"listenAddr":   cfg.Broker.ListenAddr,
		"wsListenAddr": cfg.Broker.WSListenAddr,
		"strategy":     cfg.Broker.Strategy,
		"version":      b.opts.Version,
	})

	tlsCfg := server.TLSConfig{
		Enabled:  cfg.Broker.TLS.Enabled,
		CertFile: cfg.Broker.TLS.CertFile,
		KeyFile:  cfg.Broker.TLS.KeyFile,
	}
	var tcpLn, wsLn net.Listener
	if cfg.Broker.ListenAddr != "" {
		b.tcpServer = server.New(server.Config{ListenAddr: cfg.Broker.ListenAddr, TLS: tlsCfg}, b.acceptor, b.logger)
		ln, err := b.tcpServer.Listen()
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		tcpLn = ln
	}
	if cfg.Broker.WSListenAddr != "" {
		b.wsServer = server.NewWS(server.WSConfig{ListenAddr: cfg.Broker.WSListenAddr, TLS: tlsCfg}, b.acceptor, b.logger)
		ln, err := b.wsServer.Listen()
		if err != nil {
			b.closeListeners()
			return fmt.Errorf("failed to listen: %w", err)
		}
		wsLn = ln
	}

	advertised, err := b.advertisedAddr(tcpLn, wsLn)
	if err != nil {
		b.closeListeners()
		return err
	}

	membership, err := b.membership(runCtx, advertised)
	if err != nil {
		b.closeListeners()
		return err
	}
	notifier := cluster.NewNotifier(membership, b.broadcaster, b.logger)

	b.healthServer = server.NewHealthServer(cfg.Observability.HealthAddr, b.logger)
	b.healthServer.RegisterHandler("/admin/", server.AdminHandler(b.registry, b.Brokers))
	b.registerReadiness(notifier)
	if err := b.healthServer.Start(); err != nil {
		b.abort()
		return fmt.Errorf("failed to start health server: %w", err)
	}
	b.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr, b.promReg, b.logger)
	if err := b.metricsServer.Start(); err != nil {
		_ = b.healthServer.Close()
		b.abort()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	b.mu.Lock()
	b.advertised = advertised
	b.notifier = notifier
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	if tcpLn != nil {
		g.Go(func() error {
			return b.serveLoop("tcp", func() error { return b.tcpServer.Serve(tcpLn) })
		})
	}
	if wsLn != nil {
		g.Go(func() error {
			return b.serveLoop("websocket", func() error { return b.wsServer.Serve(wsLn) })
		})
	}
	g.Go(func() error {
		return b.serveLoop("cluster", func() error { return notifier.Run(gctx) })
	})
	g.Go(func() error {
		<-gctx.Done()
		b.closeListeners()
		return nil
	})

	b.logger.Infof("broker started", map[string]any{
		"advertisedAddr": advertised,
		"healthAddr":     b.healthServer.Addr(),
		"metricsAddr":    b.metricsServer.Addr(),
	})
	close(b.ready)

	if err := g.Wait(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *Broker) serveLoop(name string, fn func() error) error {
	b.healthServer.LoopStarted(name)
	defer b.healthServer.LoopStopped(name)
	if err := fn(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		b.logger.Errorf("broker loop failed", map[string]any{"loop": name, "error": err.Error()})
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// abort releases what a failed Start opened.
func (b *Broker) abort() {
	b.closeListeners()
	if b.metaStore != nil {
		_ = b.metaStore.Close()
	}
}

func (b *Broker) closeListeners() {
	if b.tcpServer != nil {
		_ = b.tcpServer.Close()
	}
	if b.wsServer != nil {
		_ = b.wsServer.Close()
	}
}

// advertisedAddr returns the address peers and instances are told about.
func (b *Broker) advertisedAddr(tcpLn, wsLn net.Listener) (string, error) {
	if addr := b.opts.Config.Broker.AdvertisedAddr; addr != "" {
		return addr, nil
	}
	ln := tcpLn
	if ln == nil {
		ln = wsLn
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return "", fmt.Errorf("failed to parse listen address: %w", err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if host, err = os.Hostname(); err != nil {
			host = "127.0.0.1"
		}
	}
	addr := net.JoinHostPort(host, port)
	if tcpLn == nil {
		addr = "ws://" + addr + "/"
	}
	return addr, nil
}

// membership opens the cluster store when discovery needs one.
func (b *Broker) membership(ctx context.Context, advertised string) (cluster.Membership, error) {
	cfg := b.opts.Config
	self := cluster.BrokerInfo{
		BrokerID:  b.opts.BrokerID,
		Addr:      advertised,
		StartedAt: time.Now().UnixMilli(),
		Version:   b.opts.Version,
	}

	store := b.opts.Store
	if store == nil {
		if cfg.Cluster.Discovery != "oxia" {
			return &cluster.Static{Self: self, Peers: cfg.Cluster.Peers}, nil
		}
		oxiaStore, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Cluster.OxiaEndpoint,
			Namespace:      cfg.Cluster.Namespace,
			SessionTimeout: time.Duration(cfg.Cluster.SessionTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to cluster store: %w", err)
		}
		store = oxiaStore
	}
	b.metaStore = metadata.NewInstrumentedStore(store, metrics.NewStoreMetricsWithRegistry(b.promReg))
	b.cluster = cluster.NewRegistry(b.metaStore, cluster.RegistryConfig{
		ClusterID: cfg.Broker.ClusterID,
		BrokerID:  b.opts.BrokerID,
		Addr:      advertised,
		Version:   b.opts.Version,
		Logger:    b.logger,
	})
	return b.cluster, nil
}

func (b *Broker) registerReadiness(notifier *cluster.Notifier) {
	if b.tcpServer != nil {
		b.healthServer.AddReadyCheck("tcp", server.ListenerReady(b.tcpServer.Addr))
	}
	if b.wsServer != nil {
		b.healthServer.AddReadyCheck("websocket", server.ListenerReady(b.wsServer.Addr))
	}
	if b.metaStore != nil {
		b.healthServer.AddReadyCheck("metadata_store", server.StoreReady(b.metaStore))
	}
	b.healthServer.AddReadyCheck("cluster", func(context.Context) error {
		if !notifier.Ready() {
			return errors.New("cluster membership not known yet")
		}
		return nil
	})
}

// Ready is closed once the broker accepts connections.
func (b *Broker) Ready() <-chan struct{} {
	return b.ready
}

// Addr returns the advertised address, or "" before Ready.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advertised
}

// Brokers returns the current cluster broker addresses.
func (b *Broker) Brokers() []string {
	b.mu.Lock()
	n := b.notifier
	b.mu.Unlock()
	if n == nil {
		return nil
	}
	return n.Brokers()
}

// Shutdown gracefully stops the broker. Instances still connected after the
// drain timeout are disconnected.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	select {
	case <-b.ready:
	case <-b.done:
		// Start failed and already released its listeners.
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	b.logger.Info("shutting down broker")

	var err error
	if b.healthServer != nil {
		b.healthServer.SetShuttingDown()
	}
	if b.cluster != nil {
		err = multierr.Append(err, b.cluster.Deregister(ctx))
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, b.opts.DrainTimeout)
	if b.tcpServer != nil {
		err = multierr.Append(err, drainErr(b.tcpServer.Shutdown(drainCtx)))
	}
	if b.wsServer != nil {
		err = multierr.Append(err, drainErr(b.wsServer.Shutdown(drainCtx)))
	}
	drainCancel()

	cancel()
	select {
	case <-b.done:
	case <-ctx.Done():
		err = multierr.Append(err, ctx.Err())
	}

	b.broadcaster.Stop()
	if b.upstream != nil {
		err = multierr.Append(err, b.upstream.Close())
	}
	if b.metaStore != nil {
		err = multierr.Append(err, b.metaStore.Close())
	}
	if b.metricsServer != nil {
		err = multierr.Append(err, b.metricsServer.Close())
	}
	if b.healthServer != nil {
		err = multierr.Append(err, b.healthServer.Close())
	}

	if err != nil {
		b.logger.Warnf("broker shutdown finished with errors", map[string]any{"error": err.Error()})
		return err
	}
	b.logger.Info("broker shutdown complete")
	return nil
}

// drainErr ignores the deadline that ends a drain with instances still
// connected; they are closed regardless.
func drainErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}
