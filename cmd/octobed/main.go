// Command octobed keeps an authenticated BLE session to an Octo bed base
// and drives it from global hotkeys and from commands on stdin.
//
// Usage:
//
//	octobed [-config path]
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/octobed/internal/bed"
	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/config"
	"github.com/chaz8081/octobed/internal/position"
	"github.com/chaz8081/octobed/internal/remote"
	"github.com/chaz8081/octobed/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/octobed/config.yaml)")
	flag.Parse()

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg, path)

	store := config.NewStore(path)
	transport := ble.NewTransport(ble.NewTinyGoAdapter(), cfg.TransportOptions())
	est := position.New(cfg.Profile())

	var (
		ctrl        *bed.Controller
		persistAddr sync.Once
	)
	sess, err := session.New(transport, cfg.Identity(), store, cfg.SessionOptions(), func(tr session.Transition) {
		ctrl.HandleTransition(tr)
		if tr.To == session.Authorized && cfg.Device.Address == "" {
			persistAddr.Do(func() { saveDiscoveredAddress(store, transport.Resolved()) })
		}
	})
	if err != nil {
		log.Fatalf("Failed to start session: %v\n\nCheck that %s contains a pin.", err, path)
	}
	ctrl = bed.New(sess, est, store, bed.Options{MovementInterval: cfg.MovementInterval()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Printf("Connecting to %s...", cfg.Identity())
	if err := sess.Connect(ctx); err != nil {
		log.Printf("Initial connect failed (%v), retrying in background", err)
	}

	var rem *remote.Remote
	if cfg.Remote.Enabled {
		bindings, err := remote.FromConfig(cfg.Remote.Bindings)
		if err != nil {
			log.Fatalf("remote: %v", err)
		}
		rem = remote.New(bindings, ctrl)
		go rem.Start()
		log.Printf("Remote ready (%d bindings)", len(bindings))
	}

	go logEvents(ctrl.Events())
	go readCommands(ctx, ctrl, sess)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("Ready! Type \"help\" for commands. Ctrl+C to quit.")
	sig := <-sigCh
	log.Printf("Received %s, shutting down...", sig)

	cancel()
	if rem != nil {
		rem.Stop()
	}
	ctrl.Close()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if sess.Authorized() {
		if err := ctrl.Stop(stopCtx); err != nil {
			slog.Warn("[BED] final stop failed", "error", err)
		}
	}
	stopCancel()
	if err := sess.Close(); err != nil {
		slog.Warn("[SESSION] close", "error", err)
	}
	log.Println("Goodbye!")
	if rem != nil {
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		os.Exit(0)
	}
}

// resolveConfigPath returns the config file to use. With no explicit path
// the default file is created on first run so runtime state has a home.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	written, err := config.WriteDefault()
	if err != nil {
		return "", err
	}
	if written != "" {
		log.Printf("Wrote default config to %s; set your pin there", written)
	}
	return config.DefaultConfigPath(), nil
}

func saveDiscoveredAddress(store *config.Store, addr string) {
	if addr == "" {
		return
	}
	if err := store.SaveAddress(addr); err != nil {
		slog.Warn("[BED] persist discovered address failed", "addr", addr, "error", err)
		return
	}
	slog.Info("[BED] discovered address saved", "addr", addr)
}

func logEvents(events <-chan bed.Event) {
	for ev := range events {
		switch ev.Kind {
		case bed.EventState:
			attrs := []any{"state", ev.State, "session", ev.SessionID}
			if ev.Err != nil {
				attrs = append(attrs, "error", ev.Err)
			}
			slog.Info("[BED] session", attrs...)
		case bed.EventPosition:
			slog.Debug("[BED] position", "axis", ev.Axis, "position", fmt.Sprintf("%.1f", ev.Position), "moving", ev.Moving)
		case bed.EventLight:
			slog.Info("[BED] light", "on", ev.Light)
		case bed.EventCalibration:
			slog.Info("[BED] calibration", "axis", ev.Axis, "active", ev.Calibrating, "travel", ev.Travel, "error", ev.Err)
		}
	}
}

func readCommands(ctx context.Context, ctrl *bed.Controller, sess *session.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out, err := execute(ctx, ctrl, sess, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, path string) {
	device := cfg.Device.Address
	if device == "" {
		device = "name " + cfg.Device.Name
	}
	if cfg.Device.Nickname != "" {
		device += " (" + cfg.Device.Nickname + ")"
	}
	remoteState := "off"
	if cfg.Remote.Enabled {
		remoteState = fmt.Sprintf("%d bindings", len(cfg.Remote.Bindings))
	}
	fmt.Println("=== octobed ===")
	fmt.Printf("  Config:      %s\n", path)
	fmt.Printf("  Device:      %s\n", device)
	fmt.Printf("  Calibration: head %ds, feet %ds\n", cfg.Calibration.HeadSeconds, cfg.Calibration.FeetSeconds)
	fmt.Printf("  Keep-alive:  %ds\n", cfg.Session.KeepAliveSeconds)
	fmt.Printf("  Remote:      %s\n", remoteState)
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
