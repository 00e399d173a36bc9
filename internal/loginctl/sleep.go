// Package loginctl listens to systemd-logind for suspend and resume.
package loginctl

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	managerInterface = "org.freedesktop.login1.Manager"
	managerPath      = "/org/freedesktop/login1"
	prepareForSleep  = "PrepareForSleep"
)

// SleepWatcher calls OnSleep right before the machine suspends and OnResume
// after it wakes up.
type SleepWatcher struct {
	OnSleep  func(ctx context.Context)
	OnResume func(ctx context.Context)
}

// Run subscribes on the system bus until ctx is done.
func (w *SleepWatcher) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(managerPath),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		return fmt.Errorf("subscribe %s: %w", prepareForSleep, err)
	}
	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)
	log.Debug().Msg("watching logind sleep signals")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			w.Handle(ctx, sig)
		}
	}
}

// Handle dispatches one bus signal.
func (w *SleepWatcher) Handle(ctx context.Context, sig *dbus.Signal) {
	if sig == nil || sig.Name != managerInterface+"."+prepareForSleep || len(sig.Body) == 0 {
		return
	}
	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if sleeping {
		log.Info().Msg("system is going to sleep")
		if w.OnSleep != nil {
			w.OnSleep(ctx)
		}
		return
	}
	log.Info().Msg("system resumed")
	if w.OnResume != nil {
		w.OnResume(ctx)
	}
}
