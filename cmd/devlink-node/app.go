package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"devlink/pkg/config"
	"devlink/pkg/device"
	"devlink/pkg/discovery"
	"devlink/pkg/identity"
	"devlink/pkg/link"
	"devlink/pkg/link/lan"
	"devlink/pkg/link/loopback"
	"devlink/pkg/observability"
	"devlink/pkg/protocol"
	"devlink/pkg/transport"
	"devlink/pkg/transports"
)

const keyReply = "reply"

// setup loads config and installs the global logger.
func setup(cCtx *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cCtx.String(ConfigFlag))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	return cfg, logger, nil
}

// lanOptions maps the config onto LAN provider options.
func lanOptions(cfg *config.Config, id *identity.Identity) (lan.Options, error) {
	format, err := cfg.Link.WireFormat()
	if err != nil {
		return lan.Options{}, err
	}
	opts := lan.Options{
		Identity:          id,
		Transports:        make(map[transport.Kind]transport.Transport),
		Format:            format,
		WriteTimeout:      cfg.Link.WriteTimeout(),
		ReadTimeout:       cfg.Link.ReadTimeout(),
		HandshakeTimeout:  cfg.Link.HandshakeTimeout(),
		PayloadTimeout:    cfg.Link.PayloadTimeout(),
		BackoffInitial:    cfg.Net.InitialBackoff(),
		BackoffMax:        cfg.Net.MaxBackoff(),
		BackoffMaxElapsed: cfg.Net.MaxElapsed(),
	}
	for _, tc := range cfg.Transports {
		kind, err := tc.TransportKind()
		if err != nil {
			return lan.Options{}, err
		}
		if _, ok := opts.Transports[kind]; !ok {
			tr, err := transports.New(kind, transportOptions(cfg))
			if err != nil {
				return lan.Options{}, err
			}
			opts.Transports[kind] = tr
		}
		for _, addr := range tc.Listen {
			opts.Listen = append(opts.Listen, lan.Endpoint{Kind: kind, Address: addr})
		}
		for _, d := range tc.Dial {
			opts.Dial = append(opts.Dial, lan.DialTarget{Kind: kind, Address: d.Address, DeviceID: d.PeerID})
		}
	}
	if cfg.Discovery.Enable {
		opts.Discovery = &discovery.Options{
			Port:             cfg.Discovery.Port,
			MulticastAddress: cfg.Discovery.MulticastAddress,
			Interval:         cfg.Discovery.Interval(),
			SeenTTL:          cfg.Discovery.SeenTTL(),
		}
	}
	return opts, nil
}

func transportOptions(cfg *config.Config) transports.Options {
	return transports.Options{
		KeepAlive:   cfg.Net.KeepAlive(),
		DialTimeout: cfg.Net.DialTimeout(),
		IdleTimeout: cfg.Net.IdleTimeout(),
	}
}

func keyRing(id *identity.Identity) link.KeyRing {
	if id.Keys == nil {
		return nil
	}
	return id.Keys
}

// responder logs every package and answers pings that are not replies. It
// writes on the calling goroutine, so serve runs it behind an AsyncReceiver.
func responder(log *zap.Logger) link.Receiver {
	return link.NewReceiver(func(from link.Link, p *protocol.Package) error {
		log.Info("package received",
			zap.String("device", from.DeviceID()),
			zap.String("provider", from.Provider().Name()),
			zap.String("type", p.Type()),
			zap.Int64("id", p.ID()))
		if p.Type() != protocol.TypePing || p.Has(keyReply) {
			return nil
		}
		reply := protocol.New(protocol.TypePing).With(keyReply, true)
		if msg, ok := p.Get("message"); ok {
			_ = reply.Set("message", msg)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := from.SendPackage(ctx, reply); err != nil {
			log.Warn("ping reply failed", zap.String("device", from.DeviceID()), zap.Error(err))
		}
		return nil
	})
}

func startMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv
}

func serve(cCtx *cli.Context) error {
	cfg, logger, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	id, err := identity.LoadOrGenerate(cfg)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	logger.Info("devlink-node started",
		zap.String("app", cfg.AppName),
		zap.String("device", id.DeviceID),
		zap.String("name", id.Name))
	logger.Debug("effective configuration", zap.Any("config", cfg))

	opts, err := lanOptions(cfg, id)
	if err != nil {
		return err
	}
	lp, err := lan.NewProvider(opts)
	if err != nil {
		return err
	}
	loop := loopback.NewProvider(id.DeviceID, keyRing(id))

	store := device.NewStore(0)
	defer store.Close()
	rx := link.NewAsyncReceiver(responder(logger), cfg.Link.ReceiveQueue)
	defer rx.Close()
	reg := device.NewRegistry(store, device.Events{
		Added: func(d *device.Device) { d.AddReceiver(rx) },
		Reachable: func(d *device.Device) {
			logger.Info("device reachable", zap.String("device", d.ID()), zap.Int("links", len(d.Links())))
		},
	}, loop, lp)

	var metrics *http.Server
	if cfg.Metrics.Listen != "" {
		metrics = startMetrics(cfg.Metrics.Listen, logger)
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := reg.Start(ctx); err != nil {
		return err
	}
	logger.Info("node is running; press Ctrl+C to exit")
	<-ctx.Done()

	logger.Info("shutting down")
	err = reg.Stop()
	if metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, metrics.Shutdown(sctx))
	}
	return err
}

func ping(cCtx *cli.Context) error {
	cfg, logger, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	kind, err := transport.ParseKind(cCtx.String(KindFlag))
	if err != nil {
		return err
	}
	id, err := identity.LoadOrGenerate(cfg)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	opts, err := lanOptions(cfg, id)
	if err != nil {
		return err
	}
	// outbound only
	opts.Listen, opts.Dial, opts.Discovery = nil, nil, nil
	if _, ok := opts.Transports[kind]; !ok {
		tr, err := transports.New(kind, transportOptions(cfg))
		if err != nil {
			return err
		}
		opts.Transports[kind] = tr
	}
	lp, err := lan.NewProvider(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(TimeoutFlag))
	defer cancel()
	if err := lp.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = lp.Stop() }()

	addr := cCtx.String(AddrFlag)
	l, err := lp.Connect(ctx, kind, addr)
	if err != nil {
		return err
	}
	replies := make(chan *protocol.Package, 1)
	l.AddReceiver(link.NewReceiver(func(_ link.Link, p *protocol.Package) error {
		if p.Type() == protocol.TypePing && p.Has(keyReply) {
			select {
			case replies <- p:
			default:
			}
		}
		return nil
	}))

	start := time.Now()
	if err := l.SendPackage(ctx, protocol.New(protocol.TypePing).With("message", cCtx.String(MessageFlag))); err != nil {
		return err
	}
	select {
	case p := <-replies:
		msg, _ := p.Get("message")
		_, _ = fmt.Fprintf(cCtx.App.Writer, "reply from %s (%s) in %s: %v\n",
			l.Info().Name, l.DeviceID(), time.Since(start).Round(time.Millisecond), msg)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no reply from %s: %w", addr, ctx.Err())
	}
}

func selftest(cCtx *cli.Context) error {
	_, logger, err := setup(cCtx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	id, err := identity.New("selftest", "desktop")
	if err != nil {
		return err
	}
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatCBOR, protocol.FormatProto} {
		if err := selftestFormat(cCtx.Context, id, f); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		_, _ = fmt.Fprintf(cCtx.App.Writer, "%-24s ok\n", f)
	}
	return nil
}

func selftestFormat(ctx context.Context, id *identity.Identity, f protocol.Format) error {
	lp := loopback.NewProvider(id.DeviceID, keyRing(id), loopback.WithFormat(f))
	if err := lp.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = lp.Stop() }()
	l := lp.Link(id.DeviceID)
	if l == nil {
		return errors.New("no self link")
	}

	var got []*protocol.Package
	l.AddReceiver(link.NewReceiver(func(_ link.Link, p *protocol.Package) error {
		got = append(got, p)
		return nil
	}))

	if err := l.SendPackage(ctx, protocol.New(protocol.TypePing).With("message", "plain")); err != nil {
		return err
	}
	if len(got) != 1 {
		return fmt.Errorf("plain ping delivered %d times", len(got))
	}
	if err := l.SendPackageEncrypted(ctx, protocol.New(protocol.TypePing).With("message", "sealed"), id.Keys.PublicKey()); err != nil {
		return err
	}
	if len(got) != 2 {
		return fmt.Errorf("sealed ping delivered %d times", len(got)-1)
	}
	if msg, _ := got[1].Get("message"); msg != "sealed" {
		return fmt.Errorf("sealed ping came back as %v", msg)
	}
	return nil
}
