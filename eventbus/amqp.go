package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ReconnectConfig controls how AMQP reconnects after a dropped
// connection, directly adapted from client/reconnect.go's
// ReconnectConfig/ConnectionManager in the teacher.
type ReconnectConfig struct {
	Enabled           bool
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Enabled:           true,
		MaxAttempts:       10,
		InitialInterval:   time.Second,
		MaxInterval:       60 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// AMQP is an Event Manager that fans the fixed set of crawler lifecycle
// events (spec.md §6) out over a RabbitMQ topic exchange, so an operator
// can observe persist_state/system_info/migrating/aborting/exit from a
// separate process despite the crawling core itself staying
// single-process (spec.md §1 Non-goals). The connect/reconnect shape
// mirrors client/reconnect.go's ConnectionManager: mutex-guarded
// isConnected/lastError, exponential backoff on disconnect.
type AMQP struct {
	url      string
	exchange string
	cfg      ReconnectConfig

	mu          sync.Mutex
	conn        *amqp.Connection
	ch          *amqp.Channel
	isConnected bool
	lastError   error
	attempts    int

	InProcess // local subscribers still work without a broker round trip
}

// NewAMQP dials url and declares a topic exchange named exchange,
// returning a bus that both fans out locally (InProcess) and publishes
// to the exchange.
func NewAMQP(url, exchange string, cfg ReconnectConfig) (*AMQP, error) {
	b := &AMQP{url: url, exchange: exchange, cfg: cfg, InProcess: *NewInProcess()}
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("eventbus: initial connect failed: %w", err)
	}
	return b, nil
}

func (b *AMQP) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		b.mu.Lock()
		b.lastError = err
		b.mu.Unlock()
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn, b.ch = conn, ch
	b.isConnected = true
	b.attempts = 0
	b.lastError = nil
	b.mu.Unlock()

	go b.monitor()
	return nil
}

// monitor watches for connection loss and reconnects with exponential
// backoff, the same arithmetic as ConnectionManager.reconnectLoop in the
// teacher.
func (b *AMQP) monitor() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error))

	b.mu.Lock()
	wasIntentional := !b.isConnected
	b.isConnected = false
	b.mu.Unlock()
	if wasIntentional {
		return
	}

	if closeErr != nil {
		log.Printf("[eventbus] amqp connection lost: %v", closeErr)
	}
	if !b.cfg.Enabled {
		return
	}

	interval := b.cfg.InitialInterval
	for attempt := 1; b.cfg.MaxAttempts == 0 || attempt <= b.cfg.MaxAttempts; attempt++ {
		time.Sleep(interval)
		if err := b.connect(); err == nil {
			log.Printf("[eventbus] amqp reconnected after %d attempts", attempt)
			return
		}
		interval = time.Duration(float64(interval) * b.cfg.BackoffMultiplier)
		if interval > b.cfg.MaxInterval {
			interval = b.cfg.MaxInterval
		}
	}
	log.Printf("[eventbus] amqp giving up reconnecting after max attempts")
}

// Emit fans out locally and, best-effort, publishes to the exchange
// under a routing key equal to the event name. A broker publish failure
// never blocks or fails local delivery.
func (b *AMQP) Emit(event string, payload any) {
	b.InProcess.Emit(event, payload)

	b.mu.Lock()
	ch, connected := b.ch, b.isConnected
	b.mu.Unlock()
	if !connected {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[eventbus] failed to marshal %s payload: %v", event, err)
		return
	}
	err = ch.Publish(b.exchange, event, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		log.Printf("[eventbus] publish of %s failed: %v", event, err)
	}
}

// Close shuts down the broker connection; local subscribers are
// unaffected.
func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isConnected = false
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
