// Package app contains the top-level orchestration for the gateway daemon
// and the remote forwarder.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/edgelink/gwsock/internal/bufpool"
	"github.com/edgelink/gwsock/internal/config"
	"github.com/edgelink/gwsock/internal/engine"
	"github.com/edgelink/gwsock/internal/poller"
	"github.com/edgelink/gwsock/internal/pump"
	"github.com/edgelink/gwsock/internal/signaling"
	"github.com/edgelink/gwsock/internal/transport"
	"github.com/edgelink/gwsock/internal/util"
)

// RunGateway runs the gateway daemon: establish a link to the remote client,
// pump socket operations over it, and — in relay mode — survive relay drops
// by reconnecting and resuming the in-flight batches.
func RunGateway(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	port, err := poller.New(cfg.Workers)
	if err != nil {
		return fmt.Errorf("failed to start completion port: %w", err)
	}
	defer port.Close()

	p := pump.New(port, engine.NewNetResolver(), bufpool.New(), cfg.RecvBuffer)
	util.StartStatsReporter(ctx)

	first := true
	for {
		stream, err := establish(ctx, cfg)
		if err != nil {
			p.Shutdown()
			return err
		}
		if first {
			first = false
		} else {
			p.Resume(stream)
		}
		util.LogSuccess("link established, serving sockets")

		p.Run(ctx, stream)
		stream.Close()

		if ctx.Err() != nil {
			p.Shutdown()
			return nil
		}
		if cfg.Mode == config.ModeP2P {
			// A lost direct link has no rendezvous to come back through.
			p.Shutdown()
			return fmt.Errorf("direct link lost")
		}
		util.LogWarning("relay link lost, reconnecting...")
	}
}

// establish builds the configured link, retrying relay dials with backoff.
func establish(ctx context.Context, cfg *config.Config) (transport.Stream, error) {
	if cfg.Mode == config.ModeP2P {
		pin := cfg.PIN
		if pin == "" {
			pin = generatePIN(4)
		}
		util.LogInfo("signaling PIN: %s", pin)
		return signaling.EstablishAsGateway(ctx, cfg.SignalAddr, pin)
	}

	backoff := time.Second
	for {
		stream, err := transport.DialRelay(ctx, cfg.RelayURL)
		if err == nil {
			return stream, nil
		}
		util.LogWarning("relay dial failed: %v (retrying in %s)", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// generatePIN returns n random decimal digits.
func generatePIN(n int) string {
	pin := make([]byte, n)
	for i := range pin {
		d, _ := rand.Int(rand.Reader, big.NewInt(10))
		pin[i] = byte('0' + d.Int64())
	}
	return string(pin)
}
