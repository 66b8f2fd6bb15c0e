// Gwfwd — remote forwarder for a gwsock gateway.
//
// The forwarder listens on a local TCP port and drives one gateway socket
// per accepted connection, so a service behind the gateway appears as a
// local virtual service here.
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := flag.String("mode", "relay", "Link mode: relay or p2p")
	url := flag.String("url", "", "Relay WebSocket URL, or signaling URL in p2p mode")
	port := flag.Int("port", 0, "Local port for the virtual service, 1~65535")
	targetHost := flag.String("targetHost", "", "Target host the gateway should reach (empty = gateway loopback)")
	targetPort := flag.Int("targetPort", 0, "Target port the gateway should reach, 1~65535")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *port < 1 || *port > 65535 {
		util.LogError("invalid or missing -port (must be 1~65535)")
		os.Exit(1)
	}
	if *targetPort < 1 || *targetPort > 65535 {
		util.LogError("invalid or missing -targetPort (must be 1~65535)")
		os.Exit(1)
	}
	if *url == "" {
		util.LogError("missing -url")
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Mode = config.Mode(*mode)
	cfg.RelayURL = *url
	cfg.LocalPort = *port
	cfg.TargetHost = *targetHost
	cfg.TargetPort = *targetPort

	pterm.Info.Println(fmt.Sprintf("Gwfwd — v%s", version))
	pterm.Println()

	if err := app.RunForwarder(ctx, cfg); err != nil && ctx.Err() == nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	pterm.Println("forwarder stopped")
}
