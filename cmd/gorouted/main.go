// The gorouted daemon -- a multi-protocol IP routing control plane
// (BFD, BGP, IS-IS, LDP, OSPFv2/v3, RIPv2/RIPng, VRRP) sharing one
// central RIB.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gorouted/internal/bfd"
	"github.com/dantte-lp/gorouted/internal/bgp"
	"github.com/dantte-lp/gorouted/internal/config"
	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/isis"
	"github.com/dantte-lp/gorouted/internal/ldp"
	"github.com/dantte-lp/gorouted/internal/metrics"
	"github.com/dantte-lp/gorouted/internal/ospf"
	"github.com/dantte-lp/gorouted/internal/rib"
	"github.com/dantte-lp/gorouted/internal/rip"
	appversion "github.com/dantte-lp/gorouted/internal/version"
	"github.com/dantte-lp/gorouted/internal/vrrp"
)

// shutdownTimeout bounds the HTTP server drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "gorouted",
		Short:         "Multi-protocol IP routing control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println(appversion.Full("gorouted"))
		},
	})
	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("gorouted starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr))

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	bus := ibus.NewBus(logger)
	centralRib := rib.New(logger, bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCancel(centralRib.Run(gCtx)) })

	if err := startInstances(gCtx, g, cfg, logger, bus, collector); err != nil {
		stop()
		return err
	}
	startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)

	err = g.Wait()
	logger.Info("gorouted stopped")
	return err
}

// startInstances builds and launches every enabled protocol instance.
func startInstances(ctx context.Context, g *errgroup.Group, cfg *config.Config,
	logger *slog.Logger, bus *ibus.Bus, collector *metrics.Collector) error {
	if cfg.BFD.Enabled {
		var sender bfd.PacketSender
		transport, err := newBFDTransport()
		if err != nil {
			logger.Error("bfd transport unavailable", slog.String("error", err.Error()))
		} else {
			sender = transport
		}
		mgr := bfd.NewManager(logger, sender, bfd.WithMetrics(collector.BFD()))
		for _, sc := range cfg.BFD.Sessions {
			key, err := bfdSessionKey(sc)
			if err != nil {
				return err
			}
			mgr.Upsert(key, "", true)
		}
		g.Go(func() error { return ignoreCancel(mgr.Run(ctx)) })
		if transport != nil {
			spawnReceiver(g, logger, "bfd", func() error { return transport.Run(ctx, mgr) })
		}
	}

	if cfg.BGP.Enabled {
		inst, err := buildBGP(cfg, logger, bus)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
	}

	for _, oc := range cfg.OSPF {
		if !oc.Enabled {
			continue
		}
		var ifNames []string
		for _, ac := range oc.Areas {
			for _, ic := range ac.Interfaces {
				ifNames = append(ifNames, ic.Name)
			}
		}
		var sender ospf.PacketSender
		transport, terr := newOSPFTransport(oc.Version == 3, ifNames)
		if terr != nil {
			logger.Error("ospf transport unavailable", slog.String("error", terr.Error()))
		} else {
			sender = transport
		}
		inst, err := buildOSPF(oc, logger, bus, sender)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
		if transport != nil {
			spawnReceiver(g, logger, "ospf", func() error { return transport.Run(ctx, inst) })
		}
	}

	if cfg.ISIS.Enabled {
		inst, err := buildISIS(cfg.ISIS, logger, bus)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
	}

	if cfg.LDP.Enabled {
		var sender ldp.PduSender
		transport, terr := newLDPTransport(logger, cfg.LDP.Interfaces)
		if terr != nil {
			logger.Error("ldp transport unavailable", slog.String("error", terr.Error()))
		} else {
			sender = transport
		}
		inst, err := buildLDP(cfg.LDP, logger, bus, sender)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
		if transport != nil {
			spawnReceiver(g, logger, "ldp", func() error { return transport.Run(ctx, inst) })
		}
	}

	for _, rc := range cfg.RIP {
		if !rc.Enabled {
			continue
		}
		var ifNames []string
		for _, ifc := range rc.Interfaces {
			ifNames = append(ifNames, ifc.Name)
		}
		var sender rip.PacketSender
		transport, terr := newRIPTransport(rc.IPv6, ifNames)
		if terr != nil {
			logger.Error("rip transport unavailable", slog.String("error", terr.Error()))
		} else {
			sender = transport
		}
		inst := buildRIP(rc, logger, bus, sender)
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
		if transport != nil {
			spawnReceiver(g, logger, "rip", func() error { return transport.Run(ctx, inst) })
		}
	}

	for _, vc := range cfg.VRRP {
		if !vc.Enabled {
			continue
		}
		inst, err := buildVRRP(vc, logger, bus)
		if err != nil {
			return err
		}
		ipv6 := len(vc.VirtualIPs) > 0 && netip.MustParseAddr(vc.VirtualIPs[0]).Is6()
		transport, terr := newVRRPTransport(logger, ipv6, vc.Interface)
		if terr != nil {
			logger.Error("vrrp transport unavailable", slog.String("error", terr.Error()))
		} else {
			inst.SetActions(&vrrpActions{transport: transport, cfg: inst.Config, logger: logger})
		}
		g.Go(func() error { return ignoreCancel(inst.Run(ctx)) })
		if transport != nil {
			spawnReceiver(g, logger, "vrrp", func() error { return transport.Run(ctx, inst) })
		}
	}
	return nil
}

func bfdSessionKey(sc config.BFDSessionConfig) (bfd.SessionKey, error) {
	peer, err := netip.ParseAddr(sc.Peer)
	if err != nil {
		return bfd.SessionKey{}, fmt.Errorf("bfd session peer %q: %w", sc.Peer, err)
	}
	if sc.Type == "multi_hop" {
		local, err := netip.ParseAddr(sc.Local)
		if err != nil {
			return bfd.SessionKey{}, fmt.Errorf("bfd session local %q: %w", sc.Local, err)
		}
		return bfd.SessionKey{Type: bfd.SessionTypeMultiHop, Src: local, Dst: peer}, nil
	}
	return bfd.SessionKey{Type: bfd.SessionTypeSingleHop, IfName: sc.Interface, Dst: peer}, nil
}

func buildBGP(cfg *config.Config, logger *slog.Logger, bus *ibus.Bus) (*bgp.Instance, error) {
	routerID, err := config.RouterID(cfg.BGP.RouterID)
	if err != nil {
		return nil, err
	}
	instCfg := bgp.InstanceConfig{
		LocalAS:  cfg.BGP.ASN,
		RouterID: routerID,
		Distance: cfg.BGP.Distance,
		Selection: bgp.SelectionConfig{
			IgnoreASPathLen:  cfg.BGP.IgnoreASPathLen,
			AlwaysCompareMed: cfg.BGP.AlwaysCompareMed,
		},
		Multipath: bgp.MultipathConfig{
			Enabled:             cfg.BGP.MultipathEnabled,
			EbgpAllowMultipleAS: cfg.BGP.EbgpAllowMultipleAS,
		},
	}
	if cfg.BGP.ClusterID != "" {
		if instCfg.ClusterID, err = config.RouterID(cfg.BGP.ClusterID); err != nil {
			return nil, err
		}
	}
	for _, nc := range cfg.BGP.Neighbors {
		addr, err := netip.ParseAddr(nc.Address)
		if err != nil {
			return nil, fmt.Errorf("bgp neighbor %q: %w", nc.Address, err)
		}
		nbr := bgp.NeighborConfig{
			RemoteAddr: addr,
			PeerAS:     nc.PeerASN,
			HoldTime:   nc.HoldTime,
			Passive:    nc.Passive,
		}
		if nc.Local != "" {
			if nbr.LocalAddr, err = netip.ParseAddr(nc.Local); err != nil {
				return nil, fmt.Errorf("bgp neighbor local %q: %w", nc.Local, err)
			}
		}
		instCfg.Neighbors = append(instCfg.Neighbors, nbr)
	}
	return bgp.NewInstance(logger, instCfg, bus), nil
}

func buildOSPF(oc config.OSPFConfig, logger *slog.Logger, bus *ibus.Bus, sender ospf.PacketSender) (*ospf.Instance, error) {
	routerID, err := config.RouterID(oc.RouterID)
	if err != nil {
		return nil, err
	}
	version := ospf.Version2
	if oc.Version == 3 {
		version = ospf.Version3
	}
	instCfg := ospf.InstanceConfig{
		RouterID:    routerID,
		Version:     version,
		ExtendedLsa: oc.ExtendedLsa,
		Distance:    oc.Distance,
		SpfDelay:    ospf.DefaultSpfDelayConfig(),
	}
	for _, ac := range oc.Areas {
		areaID, err := config.RouterID(ac.ID)
		if err != nil {
			return nil, fmt.Errorf("ospf area id %q: %w", ac.ID, err)
		}
		areaCfg := ospf.AreaConfig{
			ID:                 areaID,
			SummaryDefaultCost: ac.SummaryDefaultCost,
		}
		switch ac.Type {
		case "stub":
			areaCfg.Type = ospf.AreaStub
		case "nssa":
			areaCfg.Type = ospf.AreaNSSA
		}
		for _, r := range ac.Ranges {
			pfx, err := netip.ParsePrefix(r)
			if err != nil {
				return nil, fmt.Errorf("ospf area range %q: %w", r, err)
			}
			areaCfg.Ranges = append(areaCfg.Ranges, ospf.AreaRange{Prefix: pfx, Advertise: true})
		}
		instCfg.Areas = append(instCfg.Areas, areaCfg)
	}

	inst := ospf.NewInstance(logger, instCfg, bus, sender)
	for _, ac := range oc.Areas {
		areaID, _ := config.RouterID(ac.ID)
		for _, ic := range ac.Interfaces {
			ifCfg := ospf.DefaultInterfaceConfig(ic.Name)
			if ic.Cost != 0 {
				ifCfg.Cost = ic.Cost
			}
			if ic.Priority != 0 {
				ifCfg.Priority = ic.Priority
			}
			if ic.HelloInterval != 0 {
				ifCfg.HelloInterval = ic.HelloInterval
			}
			if ic.DeadInterval != 0 {
				ifCfg.RouterDeadInterval = ic.DeadInterval
			}
			if ic.PointToPoint {
				ifCfg.Type = ospf.NetworkPointToPoint
			}
			ifCfg.Passive = ic.Passive
			inst.AddInterface(areaID, ifCfg)
		}
	}
	return inst, nil
}

func buildISIS(ic config.ISISConfig, logger *slog.Logger, bus *ibus.Bus) (*isis.Instance, error) {
	var sysID isis.SystemID
	cleaned := ""
	for _, r := range ic.SystemID {
		if r != '.' && r != ':' {
			cleaned += string(r)
		}
	}
	if len(cleaned) != 12 {
		return nil, fmt.Errorf("isis system id %q: want 12 hex digits", ic.SystemID)
	}
	for i := 0; i < 6; i++ {
		var b byte
		if _, err := fmt.Sscanf(cleaned[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("isis system id %q: %w", ic.SystemID, err)
		}
		sysID[i] = b
	}

	levelType := uint8(isis.Level1 | isis.Level2)
	switch ic.LevelType {
	case "level-1":
		levelType = uint8(isis.Level1)
	case "level-2":
		levelType = uint8(isis.Level2)
	}

	inst := isis.NewInstance(logger, isis.InstanceConfig{
		SystemID:    sysID,
		AreaID:      []byte(ic.AreaID),
		LevelType:   levelType,
		Hostname:    ic.Hostname,
		WideMetrics: ic.WideMetrics,
		Distance:    ic.Distance,
	}, bus, nil)
	for _, ifc := range ic.Interfaces {
		inst.AddInterface(isis.InterfaceConfig{
			Name:          ifc.Name,
			Metric:        ifc.Metric,
			PointToPoint:  ifc.PointToPoint,
			HelloInterval: ifc.HelloInterval,
			Priority:      ifc.Priority,
		})
	}
	return inst, nil
}

func buildLDP(lc config.LDPConfig, logger *slog.Logger, bus *ibus.Bus, sender ldp.PduSender) (*ldp.Instance, error) {
	lsrID, err := config.RouterID(lc.LSRID)
	if err != nil {
		return nil, err
	}
	instCfg := ldp.InstanceConfig{
		LsrID:      ldp.LsrID{Router: lsrID},
		Interfaces: lc.Interfaces,
	}
	if lc.TransportAddr != "" {
		if instCfg.TransportAddr, err = netip.ParseAddr(lc.TransportAddr); err != nil {
			return nil, fmt.Errorf("ldp transport address %q: %w", lc.TransportAddr, err)
		}
	}
	for _, peer := range lc.TargetedPeers {
		addr, err := netip.ParseAddr(peer)
		if err != nil {
			return nil, fmt.Errorf("ldp targeted peer %q: %w", peer, err)
		}
		instCfg.TargetedPeers = append(instCfg.TargetedPeers, addr)
	}
	return ldp.NewInstance(logger, instCfg, bus, sender), nil
}

func buildRIP(rc config.RIPConfig, logger *slog.Logger, bus *ibus.Bus, sender rip.PacketSender) *rip.Instance {
	instCfg := rip.InstanceConfig{
		IPv6:           rc.IPv6,
		UpdateInterval: rc.UpdateInterval,
		Distance:       rc.Distance,
	}
	for _, ifc := range rc.Interfaces {
		mode := rip.SplitHorizonSimple
		switch ifc.SplitHorizon {
		case "poison_reverse":
			mode = rip.SplitHorizonPoisonReverse
		case "disabled":
			mode = rip.SplitHorizonDisabled
		}
		instCfg.Interfaces = append(instCfg.Interfaces, rip.InterfaceConfig{
			Name:         ifc.Name,
			Cost:         max(ifc.Cost, 1),
			SplitHorizon: mode,
			AuthKey:      []byte(ifc.AuthKey),
		})
	}
	return rip.NewInstance(logger, instCfg, bus, sender)
}

func buildVRRP(vc config.VRRPConfig, logger *slog.Logger, bus *ibus.Bus) (*vrrp.Instance, error) {
	cfg := vrrp.Config{
		VRID:          vc.VRID,
		Version:       vc.Version,
		IfName:        vc.Interface,
		Priority:      vc.Priority,
		Owner:         vc.Owner,
		Preempt:       vc.Preempt,
		AdverInterval: vc.AdverInterval,
	}
	for _, ip := range vc.VirtualIPs {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("vrrp virtual ip %q: %w", ip, err)
		}
		cfg.VirtualIPs = append(cfg.VirtualIPs, addr)
	}
	return vrrp.NewInstance(logger, cfg, bus, nil), nil
}

func startMetricsServer(ctx context.Context, g *errgroup.Group,
	cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) {
	if cfg.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ignoreCancel maps the expected shutdown error to nil so the errgroup
// reports only real failures.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
