package notify

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	method string
	args   []interface{}
	err    error
}

func (f *fakeBus) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.method = method
	f.args = args
	return &dbus.Call{Err: f.err}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, nil, b}.Notify(Notice{Kind: KindStopped})
	assert.Equal(t, []string{KindStopped}, a.Kinds())
	assert.Equal(t, []string{KindStopped}, b.Kinds())
}

func TestDesktopNotify(t *testing.T) {
	bus := &fakeBus{}
	d := &Desktop{AppName: "worktrack", Timeout: time.Second, obj: bus}

	require.NoError(t, d.send(Notice{Level: LevelWarning, Title: "Tracking stopped", Message: "closed at 10:37"}))
	assert.Equal(t, notifyMethod, bus.method)
	require.Len(t, bus.args, 8)
	assert.Equal(t, "worktrack", bus.args[0])
	assert.Equal(t, "dialog-warning", bus.args[2])
	assert.Equal(t, "Tracking stopped", bus.args[3])
	assert.Equal(t, "closed at 10:37", bus.args[4])
	assert.Equal(t, int32(10000), bus.args[7])

	bus.err = errors.New("no notification daemon")
	assert.Error(t, d.send(Notice{Level: LevelInfo}))
	d.Notify(Notice{Level: LevelInfo}) // logs, does not panic
}

func TestBroadcasterStreamsNotices(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Notify(Notice{Kind: KindAutoClosed, Title: "Tracking stopped"})

	r := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Contains(t, data, `"kind":"session.auto_closed"`)

	cancel()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcasterDropsForSlowClient(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()
	for i := 0; i < 40; i++ {
		b.Notify(Notice{Kind: KindStarted})
	}
	assert.Len(t, ch, 16)
	cancel()
	cancel()
	assert.Zero(t, b.ClientCount())
}
