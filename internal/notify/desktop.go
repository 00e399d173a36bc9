package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	notificationsName = "org.freedesktop.Notifications"
	notificationsPath = "/org/freedesktop/Notifications"
	notifyMethod      = "org.freedesktop.Notifications.Notify"
)

// caller is the part of dbus.BusObject used to post notifications.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop shows notices through the freedesktop notification service on
// the user's session bus.
type Desktop struct {
	AppName string
	Timeout time.Duration

	obj  caller
	conn *dbus.Conn
}

// NewDesktop connects to the session bus.
func NewDesktop(appName string) (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return &Desktop{
		AppName: appName,
		Timeout: 2 * time.Second,
		obj:     conn.Object(notificationsName, dbus.ObjectPath(notificationsPath)),
		conn:    conn,
	}, nil
}

func (d *Desktop) Notify(n Notice) {
	if err := d.send(n); err != nil {
		log.Warn().Err(err).Str("kind", n.Kind).Msg("desktop notification failed")
	}
}

func (d *Desktop) send(n Notice) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	icon, urgency, expire := "dialog-information", byte(1), int32(5000)
	switch n.Level {
	case LevelWarning:
		icon, expire = "dialog-warning", 10000
	case LevelError:
		icon, urgency, expire = "dialog-error", 2, 0
	}
	call := d.obj.CallWithContext(ctx, notifyMethod, 0,
		d.AppName,
		uint32(0),
		icon,
		n.Title,
		n.Message,
		[]string{},
		map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)},
		expire,
	)
	if call.Err != nil {
		return fmt.Errorf("send notification: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
