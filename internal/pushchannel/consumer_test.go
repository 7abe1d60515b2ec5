package pushchannel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/boardsync/internal/bus"
	"github.com/agentworkforce/boardsync/internal/connectivity"
	"github.com/agentworkforce/boardsync/internal/wire"
)

type pushServer struct {
	*httptest.Server
	conns     atomic.Int32
	dropFirst bool
	frames    [][]byte
}

func newPushServer(t *testing.T, dropFirst bool, frames ...[]byte) *pushServer {
	t.Helper()
	ps := &pushServer{dropFirst: dropFirst, frames: frames}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamPath || r.URL.Query().Get("session") != "s1" {
			http.Error(w, "bad stream request", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := ps.conns.Add(1)
		for _, frame := range ps.frames {
			if err := conn.Write(r.Context(), websocket.MessageText, frame); err != nil {
				return
			}
		}
		if n == 1 && ps.dropFirst {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func newTestConsumer(b *bus.Bus, d *connectivity.Detector, baseURL string, dial DialFunc) *Consumer {
	return NewConsumer(b, d, Options{
		BaseURL:     baseURL,
		SessionID:   "s1",
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxFailures: 3,
		Dial:        dial,
		Sample:      func() float64 { return 0.5 },
		Logger:      zerolog.Nop(),
	})
}

func mustFrame(t *testing.T, msgType wire.MessageType, payload any) []byte {
	t.Helper()
	frame, err := wire.Encode(msgType, payload)
	require.NoError(t, err)
	return frame
}

func TestStreamURL(t *testing.T) {
	got, err := StreamURL("https://board.example.com/", "abc 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://board.example.com/v1/stream?session=abc+1", got)

	got, err = StreamURL("http://127.0.0.1:8080/base", "s")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/base/v1/stream?session=s", got)

	_, err = StreamURL("ftp://host", "s")
	assert.Error(t, err)
}

func TestConsumerRepublishesFrames(t *testing.T) {
	syncFrame := mustFrame(t, wire.MessageSync, wire.SyncEvent{
		Entity: wire.EntityTask, Action: wire.ActionUpdated, EntityID: "t1",
		Data: map[string]any{"_id": "t1", "columnId": "done"},
	})
	noteFrame := mustFrame(t, wire.MessageNotification, wire.NotificationEvent{
		Type: "task_assigned", NotificationID: "n1", UserID: "u1", Title: "Assigned", Message: "You got t1", Timestamp: "2026-01-01T00:00:00Z",
	})
	server := newPushServer(t, false, []byte(`{"type":"presence","data":{}}`), syncFrame, noteFrame)

	b := bus.New(zerolog.Nop())
	var (
		mu    sync.Mutex
		syncs []wire.SyncEvent
		notes []wire.NotificationEvent
		recon int
	)
	b.Subscribe(bus.KindEntitySync, func(ev bus.Event) { mu.Lock(); syncs = append(syncs, *ev.Sync); mu.Unlock() })
	b.Subscribe(bus.KindNotificationPush, func(ev bus.Event) { mu.Lock(); notes = append(notes, *ev.Notification); mu.Unlock() })
	b.Subscribe(bus.KindReconnected, func(bus.Event) { mu.Lock(); recon++; mu.Unlock() })

	c := newTestConsumer(b, connectivity.NewDetector(true), server.URL, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(syncs) == 1 && len(notes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", syncs[0].EntityID)
	assert.Equal(t, "done", syncs[0].Data["columnId"])
	assert.Equal(t, "n1", notes[0].NotificationID)
	assert.Equal(t, 0, recon, "first open must be silent")
	assert.Equal(t, StateOpen, c.State())
}

func TestConsumerPublishesReconnectedAfterDrop(t *testing.T) {
	server := newPushServer(t, true)
	b := bus.New(zerolog.Nop())
	var recon atomic.Int32
	b.Subscribe(bus.KindReconnected, func(bus.Event) { recon.Add(1) })

	c := newTestConsumer(b, connectivity.NewDetector(true), server.URL, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return recon.Load() == 1 && c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), server.conns.Load())
	assert.Equal(t, 0, c.Failures())
}

func TestConsumerGoesIdleOfflineAndReconnectsOnline(t *testing.T) {
	server := newPushServer(t, false)
	b := bus.New(zerolog.Nop())
	var recon atomic.Int32
	b.Subscribe(bus.KindReconnected, func(bus.Event) { recon.Add(1) })
	detector := connectivity.NewDetector(true)

	c := newTestConsumer(b, detector, server.URL, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)

	detector.Set(false)
	assert.Equal(t, StateIdle, c.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateIdle, c.State(), "no retry may be scheduled while offline")
	assert.Equal(t, int32(1), server.conns.Load())

	detector.Set(true)
	require.Eventually(t, func() bool { return c.State() == StateOpen && recon.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), server.conns.Load())
}

func TestConsumerGivesUpAfterMaxFailures(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, streamURL string, header http.Header) (Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}
	c := newTestConsumer(bus.New(zerolog.Nop()), connectivity.NewDetector(true), "http://127.0.0.1:1", dial)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.State() == StateIdle && attempts.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 3, c.Failures())
}

func TestConsumerSendsBearerToken(t *testing.T) {
	got := make(chan string, 1)
	dial := func(ctx context.Context, streamURL string, header http.Header) (Conn, error) {
		got <- header.Get("Authorization")
		return nil, errors.New("no server")
	}
	c := NewConsumer(bus.New(zerolog.Nop()), connectivity.NewDetector(true), Options{
		BaseURL: "http://example.test", SessionID: "s1", Token: "tok", MaxFailures: 1, Dial: dial,
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	select {
	case header := <-got:
		assert.Equal(t, "Bearer tok", header)
	case <-time.After(time.Second):
		t.Fatal("dial was not attempted")
	}
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context, streamURL string, header http.Header) (Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}
	c := NewConsumer(bus.New(zerolog.Nop()), connectivity.NewDetector(true), Options{
		BaseURL:     "http://example.test",
		SessionID:   "s1",
		BaseDelay:   30 * time.Millisecond,
		MaxDelay:    30 * time.Millisecond,
		MaxFailures: 5,
		Dial:        dial,
	})
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateBackoff }, time.Second, time.Millisecond)
	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestCancelledContextStopsConsumer(t *testing.T) {
	server := newPushServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestConsumer(bus.New(zerolog.Nop()), connectivity.NewDetector(true), server.URL, nil)
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return c.State() == StateOpen }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return c.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
}
