// Gwsock — IoT edge gateway proxy daemon.
//
// The daemon drives TCP/UDP sockets on this host on behalf of a remote
// client, reached either through a cloud relay (WebSocket) or a direct
// peer-to-peer DataChannel negotiated over a PIN-protected signaling
// exchange. Configuration comes from an optional YAML file with CLI flag
// overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"

	"github.com/edgelink/gwsock/internal/app"
	"github.com/edgelink/gwsock/internal/config"
	"github.com/edgelink/gwsock/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	cfgPath := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Link mode: relay or p2p")
	relayURL := flag.String("relayUrl", "", "Relay WebSocket URL (relay mode)")
	signalAddr := flag.String("signalAddr", "", "Signaling listen address (p2p mode)")
	pin := flag.String("pin", "", "Signaling PIN (p2p mode, generated when empty)")
	workers := flag.Int("workers", 0, "Completion worker goroutines")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	if *signalAddr != "" {
		cfg.SignalAddr = *signalAddr
	}
	if *pin != "" {
		cfg.PIN = *pin
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Gwsock gateway — v%s", version))
	pterm.Println()

	if err := app.RunGateway(ctx, cfg); err != nil && ctx.Err() == nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	pterm.Println("gateway stopped")
}
