package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"meshsync/internal/bus"
	"meshsync/internal/config"
	"meshsync/internal/logging"
	"meshsync/internal/mediasync"
	"meshsync/internal/meshclock"
	"meshsync/internal/node"
	"meshsync/internal/peers"
	"meshsync/internal/persistence"
	"meshsync/internal/radio"
	"meshsync/internal/transport"
)

const (
	version = "1.0"

	// bootReasonColdStart mirrors a power-on reset in the hello report.
	bootReasonColdStart = 0x01
)

func main() {
	if err := run(); err != nil {
		slog.Error("run nowded", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "nowded.json", "config file path")
	serialPort := flag.String("serial-port", "", "serial port override, e.g. /dev/ttyUSB0")
	baud := flag.Int("baud", 0, "serial baud rate override")
	noSerial := flag.Bool("no-serial", false, "run radio-only without a serial transport")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*serialPort) != "" {
		cfg.Serial.Port = strings.TrimSpace(*serialPort)
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logMgr, err := logging.Setup(cfg.Logging, "nowded.log")
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("main")
	logger.Info("starting nowded", "version", version)

	db, err := persistence.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("close sqlite", "error", closeErr)
		}
	}()

	settingsRepo := persistence.NewSettingsRepo(db)
	peerRepo := persistence.NewPeerRepo(db)

	group, err := settingsRepo.Get(ctx, persistence.KeyAssignedGroup, "")
	if err != nil {
		return fmt.Errorf("load assigned group: %w", err)
	}
	logger.Info("assigned group restored", "group", group)

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	writer := persistence.NewWriterQueue(logMgr.Logger("persistence"), 256)
	writer.Start(ctx)
	persistence.StartPeerSync(ctx, b, writer, peerRepo)

	var radioAddr radio.Address
	if strings.TrimSpace(cfg.Radio.Address) != "" {
		radioAddr, err = radio.ParseAddress(cfg.Radio.Address)
		if err != nil {
			return fmt.Errorf("parse radio address: %w", err)
		}
	}
	rad, err := radio.NewUDPRadio(logMgr.Logger("radio"), cfg.Radio.Port, radioAddr)
	if err != nil {
		return fmt.Errorf("start radio: %w", err)
	}
	defer func() {
		if closeErr := rad.Close(); closeErr != nil {
			logger.Warn("close radio", "error", closeErr)
		}
	}()
	logger.Info("radio up", "addr", rad.LocalAddress().String(), "port", cfg.Radio.Port)

	clock := meshclock.NewLocal()
	subs := peers.NewSubscriberTable(logMgr.Logger("peers"), rad,
		time.Duration(cfg.Tables.LivenessMs)*time.Millisecond,
		time.Duration(cfg.Tables.EvictionMs)*time.Millisecond)
	coords := peers.NewCoordinatorTable(logMgr.Logger("peers"), rad,
		time.Duration(cfg.Tables.LivenessMs)*time.Millisecond)

	n := node.New(
		logMgr.Logger("node"), b, clock, rad, subs, coords,
		&groupSaver{writer: writer, repo: settingsRepo},
		mediasync.Config{
			DesyncThresholdMs: cfg.Sync.DesyncMs,
			LinkLostTimeout:   time.Duration(cfg.Sync.LinkLostMs) * time.Millisecond,
			StopOnLinkLost:    cfg.Sync.StopOnLinkLost,
			RepeatInterval:    time.Duration(cfg.Sync.RepeatIntervalMs) * time.Millisecond,
		},
		node.Config{
			Version:       version,
			BootReason:    bootReasonColdStart,
			Group:         group,
			BeaconEvery:   time.Duration(cfg.Tables.BeaconMs) * time.Millisecond,
			AnnounceEvery: time.Duration(cfg.Tables.AnnounceMs) * time.Millisecond,
		},
	)

	tr, err := selectTransport(ctx, cfg, *noSerial)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tr.Close(); closeErr != nil {
			logger.Warn("close transport", "error", closeErr)
		}
	}()
	logger.Info("transport up", "name", tr.Name())

	n.BootHello()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.RunTransportRead(gctx, tr) })
	g.Go(func() error { return n.RunTransportWrite(gctx, tr) })
	g.Go(func() error { return n.RunRadio(gctx) })

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("nowded stopped")
	return nil
}

func selectTransport(ctx context.Context, cfg config.Config, noSerial bool) (transport.Transport, error) {
	if noSerial || strings.TrimSpace(cfg.Serial.Port) == "" {
		return transport.NewMemTransport(), nil
	}
	tr := transport.NewSerialTransport(cfg.Serial.Port, cfg.Serial.Baud)
	if err := tr.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect serial: %w", err)
	}
	return tr, nil
}

// groupSaver persists reassigned groups through the async writer queue.
type groupSaver struct {
	writer *persistence.WriterQueue
	repo   *persistence.SettingsRepo
}

func (s *groupSaver) SaveGroup(group string) {
	s.writer.Enqueue("save assigned group", func(ctx context.Context) error {
		return s.repo.Set(ctx, persistence.KeyAssignedGroup, group)
	})
}
