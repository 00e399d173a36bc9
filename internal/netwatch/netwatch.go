// Package netwatch turns connectivity changes into offline signals.
package netwatch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoRoute means no usable network interface is up.
var ErrNoRoute = errors.New("no network interface is up")

// Probe reports nil while the machine looks online.
type Probe func(ctx context.Context) error

// Watcher polls Probe and calls OnOffline once per online to offline
// transition.
type Watcher struct {
	Probe     Probe
	Interval  time.Duration
	OnOffline func(ctx context.Context, reason string)
	OnOnline  func(ctx context.Context)

	online bool
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Probe == nil {
		w.Probe = Interfaces
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w.online = true
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check probes once and fires callbacks on a transition.
func (w *Watcher) Check(ctx context.Context) {
	err := w.Probe(ctx)
	switch {
	case err != nil && w.online:
		w.online = false
		log.Warn().Err(err).Msg("connectivity lost")
		if w.OnOffline != nil {
			w.OnOffline(ctx, err.Error())
		}
	case err == nil && !w.online:
		w.online = true
		log.Info().Msg("connectivity restored")
		if w.OnOnline != nil {
			w.OnOnline(ctx)
		}
	}
}

// Online reports the last observed state.
func (w *Watcher) Online() bool {
	return w.online
}

// Interfaces is the default probe: some non-loopback interface is up and
// has an address.
func Interfaces(ctx context.Context) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return nil
		}
	}
	return ErrNoRoute
}
