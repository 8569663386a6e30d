package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/nats-io/nats.go"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	vrrp "go.linka.cloud/vrrpd"
	"go.linka.cloud/vrrpd/config"
	"go.linka.cloud/vrrpd/gossip"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "/etc/vrrpd/vrrpd.yaml", "configuration file")
}

func InitLogger(cfg *config.Config) error {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	vrrp.SetLogger(logrus.StandardLogger())

	if cfg.Log.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
		return err
	}
	filename := cfg.Log.Filename
	if filename == "" {
		filename = "vrrpd.log"
	}
	maxAge := time.Duration(cfg.Log.MaxAge) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	rotation := time.Duration(cfg.Log.RotateTime) * time.Hour
	if rotation <= 0 {
		rotation = time.Hour
	}
	logFileName := path.Join(cfg.Log.Dir, filename)
	logWriter, err := rotates.New(
		logFileName+".%Y%m%d%H%M",
		rotates.WithLinkName(logFileName),
		rotates.WithMaxAge(maxAge),
		rotates.WithRotationTime(rotation),
	)
	if err != nil {
		return err
	}
	logrus.AddHook(lfshook.NewHook(lfshook.WriterMap{
		logrus.TraceLevel: logWriter,
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{}))
	return nil
}

func main() {
	flag.Parse()
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := InitLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logrus.Fatal(err)
	}
	logrus.Info("exiting...")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logrus.StandardLogger()

	metrics := vrrp.NewMetrics()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	var events vrrp.EventPublisher
	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL, nats.Name("vrrpd"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Drain()
		node := cfg.Events.Node
		if node == "" {
			node, _ = os.Hostname()
		}
		events = vrrp.NewNATSPublisher(nc, node)
	}

	registry := vrrp.NewRegistry()
	monitor := vrrp.NewCircuitMonitor()
	var watched []string
	carrierTimeout := time.Duration(0)
	for _, i := range cfg.Interfaces {
		for _, vlan := range i.VLANs {
			registry.AddVLAN(i.Name, vlan)
		}
		if i.Monitor {
			watched = append(watched, i.Name)
			if i.CarrierTimeout > carrierTimeout {
				carrierTimeout = i.CarrierTimeout
			}
		}
	}
	if len(watched) > 0 {
		w := &vrrp.LinkWatcher{
			Monitor:        monitor,
			Interfaces:     watched,
			Interval:       time.Second,
			CarrierTimeout: carrierTimeout,
		}
		go w.Run(ctx)
	}

	var routers []*vrrp.VirtualRouter
	var forwarders []vrrp.Forwarder
	defer func() {
		for _, f := range forwarders {
			if err := f.Close(); err != nil {
				log.WithError(err).Warn("close forwarder")
			}
		}
	}()
	for _, vc := range cfg.VirtualRouters {
		opts, err := vc.Options()
		if err != nil {
			return err
		}
		opts = append(opts,
			vrrp.WithRegistry(registry),
			vrrp.WithMetrics(metrics),
			vrrp.WithEventPublisher(events),
		)
		if cfg.Interface(vc.Interface).Monitor {
			opts = append(opts, vrrp.WithMonitor(monitor))
		}
		if vc.Forwarding {
			fw, err := vrrp.NewIPTablesForwarder(vc.Interface, byte(vc.VRID))
			if err != nil {
				return err
			}
			forwarders = append(forwarders, fw)
			opts = append(opts, vrrp.WithForwarder(fw))
		}
		if strings.EqualFold(vc.Transport, config.TransportGossip) {
			t, err := newGossipTransport(cfg.Gossip)
			if err != nil {
				return err
			}
			defer t.Close()
			opts = append(opts, vrrp.WithTransport(t))
		}
		vr, err := vrrp.NewVirtualRouter(opts...)
		if err != nil {
			return fmt.Errorf("virtual router %d on %s: %w", vc.VRID, vc.Interface, err)
		}
		routers = append(routers, vr)
	}

	var wg sync.WaitGroup
	for _, vr := range routers {
		wg.Add(1)
		go func(vr *vrrp.VirtualRouter) {
			defer wg.Done()
			err := vr.Run(ctx)
			entry := log.WithFields(logrus.Fields{"vrid": vr.ID(), "interface": vr.Interface()})
			switch {
			case err == nil:
				entry.Info("virtual router stopped")
			case errors.Is(err, vrrp.ErrTransportBroken), errors.Is(err, vrrp.ErrLocalFault):
				entry.WithError(err).Error("virtual router failed, other routers keep running")
			default:
				entry.WithError(err).Error("virtual router exited")
			}
		}(vr)
	}
	wg.Wait()
	return nil
}

func newGossipTransport(cfg config.Gossip) (*vrrp.GossipTransport, error) {
	peers := cfg.Peers
	if cfg.SRV != "" {
		parts := strings.SplitN(cfg.SRV, ".", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("gossip srv %q is not _service._proto.name", cfg.SRV)
		}
		resolved, err := gossip.Resolve(strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2])
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.SRV, err)
		}
		peers = append(peers, resolved...)
	}
	return vrrp.NewGossipTransport(gossip.Config{
		Name:     cfg.Name,
		BindAddr: cfg.Bind,
		Port:     cfg.Port,
		Interval: cfg.Interval,
		Peers:    peers,
	})
}
