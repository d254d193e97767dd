// README: Cross-instance bridge: one broker connection, bounded outbound queue, reconnect with backoff.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"propmove/internal/metrics"
)

// Broker opens connections to the shared pub/sub system.
type Broker interface {
	Name() string
	// Open connects and subscribes to every channel family. Inbound payloads
	// are passed to onMessage until the connection ends.
	Open(ctx context.Context, onMessage func(channel string, payload []byte)) (Conn, error)
}

type Conn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	Err() error
	Close() error
}

type BridgeConfig struct {
	Origin     string
	QueueSize  int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

type Health struct {
	Broker      string     `json:"broker"`
	Connected   bool       `json:"connected"`
	QueueDepth  int        `json:"queue_depth"`
	QueueSize   int        `json:"queue_size"`
	Dropped     uint64     `json:"dropped"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

var errBridgeStopped = errors.New("bridge stopped")

type Bridge struct {
	broker  Broker
	cfg     BridgeConfig
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu        sync.Mutex
	queue     []Message
	dropped   uint64
	connected bool
	lastErr   string
	lastErrAt *time.Time
	wake      chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	deliver   func(Message)
}

func NewBridge(broker Broker, cfg BridgeConfig, log logrus.FieldLogger, m *metrics.Metrics) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	return &Bridge{
		broker:  broker,
		cfg:     cfg,
		log:     log.WithFields(logrus.Fields{"module": "realtime", "broker": broker.Name()}),
		metrics: m,
		queue:   make([]Message, 0, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
	}
}

func (b *Bridge) Origin() string { return b.cfg.Origin }

// Enqueue never blocks. When the queue is full the oldest message is dropped.
func (b *Bridge) Enqueue(msg Message) {
	msg.Origin = b.cfg.Origin
	b.mu.Lock()
	if len(b.queue) >= b.cfg.QueueSize {
		b.queue = b.queue[1:]
		b.dropped++
		b.metrics.IncBridgeDropped()
	}
	b.queue = append(b.queue, msg)
	depth := len(b.queue)
	b.mu.Unlock()

	b.metrics.SetBridgeQueueDepth(depth)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the connection actor. deliver receives messages published
// by other instances.
func (b *Bridge) Start(ctx context.Context, deliver func(Message)) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.deliver = deliver
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		b.run(ctx)
	}()
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Bridge) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Health{
		Broker:      b.broker.Name(),
		Connected:   b.connected,
		QueueDepth:  len(b.queue),
		QueueSize:   b.cfg.QueueSize,
		Dropped:     b.dropped,
		LastError:   b.lastErr,
		LastErrorAt: b.lastErrAt,
	}
}

func (b *Bridge) run(ctx context.Context) {
	attempt := 0
	for {
		conn, err := b.broker.Open(ctx, b.receive)
		if err == nil {
			attempt = 0
			b.setConnected()
			err = b.pump(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			b.setDisconnected(nil)
			return
		}
		b.setDisconnected(err)
		delay := b.backoff(attempt)
		attempt++
		b.log.WithError(err).WithField("retry_in", delay.String()).Warn("realtime broker unavailable")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			b.setDisconnected(nil)
			return
		case <-t.C:
		}
	}
}

// pump flushes the queue while the connection is healthy.
func (b *Bridge) pump(ctx context.Context, conn Conn) error {
	for {
		for {
			msg, ok := b.pop()
			if !ok {
				break
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				b.log.WithError(err).WithField("event", msg.Event).Error("drop unencodable realtime message")
				continue
			}
			if err := conn.Publish(ctx, msg.Channel, payload); err != nil {
				b.requeue(msg)
				return err
			}
		}
		select {
		case <-ctx.Done():
			return errBridgeStopped
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return errors.New("broker connection closed")
		case <-b.wake:
		}
	}
}

func (b *Bridge) receive(_ string, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.log.WithError(err).Debug("ignore malformed realtime message")
		return
	}
	if msg.Origin == b.cfg.Origin {
		return
	}
	b.mu.Lock()
	deliver := b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
}

func (b *Bridge) pop() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Message{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	b.metrics.SetBridgeQueueDepth(len(b.queue))
	return msg, true
}

// requeue puts a message that failed to publish back at the head. If newer
// messages filled the queue meanwhile, the failed one is the oldest and is dropped.
func (b *Bridge) requeue(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.cfg.QueueSize {
		b.dropped++
		b.metrics.IncBridgeDropped()
		return
	}
	b.queue = append([]Message{msg}, b.queue...)
	b.metrics.SetBridgeQueueDepth(len(b.queue))
}

func (b *Bridge) setConnected() {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.metrics.SetBridgeConnected(true)
	b.log.Info("realtime broker connected")
}

func (b *Bridge) setDisconnected(err error) {
	b.mu.Lock()
	b.connected = false
	if err != nil && !errors.Is(err, errBridgeStopped) {
		now := time.Now()
		b.lastErr = err.Error()
		b.lastErrAt = &now
	}
	b.mu.Unlock()
	b.metrics.SetBridgeConnected(false)
}

// backoff doubles from BackoffMin up to BackoffMax and adds up to 20% jitter.
func (b *Bridge) backoff(attempt int) time.Duration {
	delay := float64(b.cfg.BackoffMin) * math.Pow(2, float64(attempt))
	if delay > float64(b.cfg.BackoffMax) {
		delay = float64(b.cfg.BackoffMax)
	}
	delay += delay * 0.2 * rand.Float64()
	return time.Duration(delay)
}
