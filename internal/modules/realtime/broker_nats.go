// README: NATS broker for the realtime bridge; channels map to subjects under one prefix.
package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "propmove.realtime."

type NATSBroker struct {
	url  string
	name string
}

func NewNATSBroker(url, clientName string) *NATSBroker {
	return &NATSBroker{url: url, name: clientName}
}

func (n *NATSBroker) Name() string { return "nats" }

func (n *NATSBroker) Open(_ context.Context, onMessage func(string, []byte)) (Conn, error) {
	c := &natsConn{done: make(chan struct{})}
	// Reconnects are driven by the bridge so health reflects the real state.
	nc, err := nats.Connect(n.url,
		nats.Name(n.name),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.fail(err) }),
		nats.ClosedHandler(func(*nats.Conn) { c.fail(nil) }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	c.nc = nc

	if _, err := nc.Subscribe(natsSubjectPrefix+">", func(m *nats.Msg) {
		if ch, ok := channelFromSubject(m.Subject); ok {
			onMessage(ch, m.Data)
		}
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to subject: %w", err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// subjectForChannel maps "driver:42" to "propmove.realtime.driver.42".
func subjectForChannel(channel string) string {
	return natsSubjectPrefix + strings.Replace(channel, ":", ".", 1)
}

func channelFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, natsSubjectPrefix)
	if !ok {
		return "", false
	}
	prefix, id, ok := strings.Cut(rest, ".")
	if !ok || id == "" {
		return "", false
	}
	return channel(prefix, id), true
}

type natsConn struct {
	nc *nats.Conn

	mu   sync.Mutex
	err  error
	done chan struct{}
	once sync.Once
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *natsConn) Publish(_ context.Context, channel string, payload []byte) error {
	return c.nc.Publish(subjectForChannel(channel), payload)
}

func (c *natsConn) Done() <-chan struct{} { return c.done }

func (c *natsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *natsConn) Close() error {
	c.nc.Close()
	return nil
}
