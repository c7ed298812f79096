// Command octobed-probe is a manual check of a bed's PIN handling.
// It sends a deliberately wrong PIN, then the configured one, and reports
// whether the bed dropped the link or replied to each.
//
// Usage:
//
//	go run ./cmd/octobed-probe [-config path] [-wait 8s]
//	go run ./cmd/octobed-probe -scan [-timeout 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/chaz8081/octobed/internal/ble"
	"github.com/chaz8081/octobed/internal/ble/protocol"
	"github.com/chaz8081/octobed/internal/config"
	"github.com/chaz8081/octobed/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/octobed/config.yaml)")
	scan := flag.Bool("scan", false, "list nearby BLE devices and exit")
	timeout := flag.Duration("timeout", 10*time.Second, "scan duration")
	wait := flag.Duration("wait", 8*time.Second, "how long to watch the link after each PIN")
	flag.Parse()

	adapter := ble.NewTinyGoAdapter()

	if *scan {
		runScan(adapter, *timeout)
		return
	}

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	pin, err := config.NewStore(path).LoadPIN()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	transport := ble.NewTransport(adapter, cfg.TransportOptions())
	id := cfg.Identity()

	attempts := []struct {
		label string
		pin   string
	}{
		{"wrong pin", wrongPIN(pin)},
		{"configured pin", pin},
	}

	fmt.Printf("Probing %s (wait %s per attempt)\n", id, *wait)
	for _, a := range attempts {
		ctx, cancel := context.WithTimeout(context.Background(), *wait+cfg.SessionOptions().ConnectTimeout)
		res, err := session.Probe(ctx, transport, id, a.pin, *wait)
		cancel()

		fmt.Printf("\n[%s] %s\n", a.label, protocol.NormalizePIN(a.pin))
		if err != nil {
			fmt.Printf("  error:            %v\n", err)
		}
		fmt.Printf("  connected:        %v\n", res.Connected)
		fmt.Printf("  stayed connected: %v\n", res.StayedConnected)
		fmt.Printf("  reply:            %s\n", res.Reply)
		fmt.Printf("  accepted:         %v\n", res.Accepted())

		// let the bed settle before the next connect
		time.Sleep(2 * time.Second)
	}
}

// wrongPIN returns a PIN guaranteed to differ from pin.
func wrongPIN(pin string) string {
	d := protocol.PINDigits(pin)
	out := make([]byte, 4)
	for i, v := range d {
		out[i] = '0' + (v+5)%10
	}
	return string(out)
}

func runScan(adapter ble.Adapter, timeout time.Duration) {
	fmt.Printf("Scanning for %s...\n", timeout)
	devices, err := ble.ScanForDevices(adapter, timeout)
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %-20s %-40s %d dBm\n", name, d.MAC, d.RSSI)
	}
	fmt.Printf("%d device(s)\n", len(devices))
}
