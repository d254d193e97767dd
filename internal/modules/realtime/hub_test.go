package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmove/internal/types"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// memBus is an in-process broker shared by several bridges.
type memBus struct {
	mu        sync.Mutex
	conns     []*memConn
	failOpens int
	published int
}

func (b *memBus) Name() string { return "mem" }

func (b *memBus) Open(_ context.Context, on func(string, []byte)) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpens > 0 {
		b.failOpens--
		return nil, errors.New("dial refused")
	}
	c := &memConn{bus: b, on: on, done: make(chan struct{})}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *memBus) dropAll() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.once.Do(func() { close(c.done) })
	}
}

func (b *memBus) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

type memConn struct {
	bus  *memBus
	on   func(string, []byte)
	done chan struct{}
	once sync.Once
}

func (c *memConn) Publish(_ context.Context, ch string, payload []byte) error {
	c.bus.mu.Lock()
	c.bus.published++
	conns := append([]*memConn(nil), c.bus.conns...)
	c.bus.mu.Unlock()
	for _, other := range conns {
		other.on(ch, payload)
	}
	return nil
}

func (c *memConn) Done() <-chan struct{} { return c.done }
func (c *memConn) Err() error            { return nil }

func (c *memConn) Close() error {
	c.bus.mu.Lock()
	for i, other := range c.bus.conns {
		if other == c {
			c.bus.conns = append(c.bus.conns[:i], c.bus.conns[i+1:]...)
			break
		}
	}
	c.bus.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

func newBridgeOn(bus *memBus, origin string, size int) *Bridge {
	return NewBridge(bus, BridgeConfig{Origin: origin, QueueSize: size, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond}, quietLogger(), nil)
}

func drain(s *ChanSink) []Event {
	var out []Event
	for {
		select {
		case e := <-s.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestHub_LocalDelivery(t *testing.T) {
	hub := NewHub(nil, quietLogger(), nil)
	tenant := NewChanSink(8)
	tenant2 := NewChanSink(8)
	driver := NewChanSink(8)
	other := NewChanSink(8)
	hub.Subscribe("u1", types.RoleTenant, tenant)
	hub.Subscribe("u1", types.RoleTenant, tenant2)
	hub.Subscribe("d1", types.RoleDriver, driver)
	hub.Subscribe("u2", types.RoleTenant, other)

	hub.SendToUser("u1", EventTripStatus, map[string]string{"status": "IN_PROGRESS"})
	hub.NotifyDrivers([]types.ID{"d1", "d-offline"}, EventTransportRequest, map[string]string{"trip_id": "t1"})
	hub.BroadcastToRole(types.RoleDriver, "fleet_notice", "hello")

	got := drain(tenant)
	require.Len(t, got, 1)
	assert.Equal(t, EventTripStatus, got[0].Name)
	assert.JSONEq(t, `{"status":"IN_PROGRESS"}`, string(got[0].Data))
	assert.Len(t, drain(tenant2), 1)
	assert.Empty(t, drain(other))

	d := drain(driver)
	require.Len(t, d, 2)
	assert.Equal(t, EventTransportRequest, d[0].Name)
	assert.Equal(t, "fleet_notice", d[1].Name)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil, quietLogger(), nil)
	sink := NewChanSink(4)
	sub := hub.Subscribe("u1", types.RoleTenant, sink)
	sub.Close()
	sub.Close()

	hub.SendToUser("u1", EventTripStatus, "x")
	assert.Empty(t, drain(sink))
	assert.Equal(t, 0, hub.SubscriberCount("u1"))
}

func TestHub_SlowSinkDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, quietLogger(), nil)
	sink := NewChanSink(2)
	hub.Subscribe("u1", types.RoleTenant, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.SendToUser("u1", EventTripStatus, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Len(t, drain(sink), 2)
	assert.Equal(t, uint64(98), sink.Dropped())
}

func TestHub_CrossInstanceDeliveredOnce(t *testing.T) {
	bus := &memBus{}
	hubA := NewHub(newBridgeOn(bus, "a", 64), quietLogger(), nil)
	hubB := NewHub(newBridgeOn(bus, "b", 64), quietLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hubA.Start(ctx)
	hubB.Start(ctx)
	defer hubA.Stop()
	defer hubB.Stop()
	require.Eventually(t, func() bool {
		return hubA.Health().Connected && hubB.Health().Connected
	}, time.Second, 5*time.Millisecond)

	localTenant := NewChanSink(8)
	remoteTenant := NewChanSink(8)
	remoteDriver := NewChanSink(8)
	hubA.Subscribe("u1", types.RoleLandlord, localTenant)
	hubB.Subscribe("u1", types.RoleLandlord, remoteTenant)
	hubB.Subscribe("d1", types.RoleDriver, remoteDriver)

	hubA.SendToUser("u1", EventDriverAssigned, map[string]string{"trip_id": "t1"})
	hubA.NotifyDrivers([]types.ID{"d1"}, EventTransportRequest, map[string]string{"trip_id": "t1"})

	require.Eventually(t, func() bool { return bus.publishedCount() == 6 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, drain(localTenant), 1, "own messages coming back through the broker must be ignored")
	remote := drain(remoteTenant)
	require.Len(t, remote, 1)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(remote[0].Data, &payload))
	assert.Equal(t, "t1", payload["trip_id"])
	assert.Len(t, drain(remoteDriver), 1)
}

func TestHub_NotifyDriversFansOutLikeSendToUser(t *testing.T) {
	bridge := newBridgeOn(&memBus{}, "a", 64)
	hub := NewHub(bridge, quietLogger(), nil)

	hub.NotifyDrivers([]types.ID{"d1", "d2"}, EventTransportRequest, map[string]string{"trip_id": "t1"})

	var channels []string
	for _, m := range bridge.queue {
		channels = append(channels, m.Channel)
		assert.JSONEq(t, `{"trip_id":"t1"}`, string(m.Data))
	}
	assert.Equal(t, []string{
		"tenant:d1", "driver:d1", "user:d1",
		"tenant:d2", "driver:d2", "user:d2",
	}, channels)
}

func TestBridge_QueueBoundedDropsOldest(t *testing.T) {
	bus := &memBus{failOpens: 1 << 30}
	b := newBridgeOn(bus, "a", 3)
	for i := 0; i < 5; i++ {
		b.Enqueue(Message{Channel: "user:u1", Event: "e", Data: json.RawMessage{byte('0' + i)}})
	}

	h := b.Health()
	assert.Equal(t, 3, h.QueueDepth)
	assert.Equal(t, uint64(2), h.Dropped)
	assert.False(t, h.Connected)

	var kept []string
	for _, m := range b.queue {
		kept = append(kept, string(m.Data))
	}
	assert.Equal(t, []string{"2", "3", "4"}, kept)
}

func TestBridge_ReconnectsAndFlushes(t *testing.T) {
	bus := &memBus{failOpens: 3}
	b := newBridgeOn(bus, "a", 16)
	b.Enqueue(Message{Channel: "user:u1", Event: "e", Data: json.RawMessage(`1`)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, func(Message) {})
	defer b.Stop()

	require.Eventually(t, func() bool { return b.Health().Connected }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return bus.publishedCount() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "dial refused", b.Health().LastError)

	bus.dropAll()
	b.Enqueue(Message{Channel: "user:u1", Event: "e", Data: json.RawMessage(`2`)})
	require.Eventually(t, func() bool { return bus.publishedCount() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, b.Health().QueueDepth)
}

func TestBridge_BackoffGrowsAndCaps(t *testing.T) {
	b := NewBridge(&memBus{}, BridgeConfig{BackoffMin: 100 * time.Millisecond, BackoffMax: time.Second}, quietLogger(), nil)
	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := b.backoff(attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	for i := 0; i < 20; i++ {
		d := b.backoff(10)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestNATSSubjectMapping(t *testing.T) {
	assert.Equal(t, "propmove.realtime.driver.42", subjectForChannel("driver:42"))
	ch, ok := channelFromSubject("propmove.realtime.tenant.abc-1")
	require.True(t, ok)
	assert.Equal(t, "tenant:abc-1", ch)
	_, ok = channelFromSubject("other.tenant.abc")
	assert.False(t, ok)
}
