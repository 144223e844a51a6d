package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fetchkit/crawlkit/request"
)

// amqpSeed is the wire shape expected on the seed queue: enough to
// build a Request via request.New, plus optional overrides.
type amqpSeed struct {
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	UserData  map[string]any `json:"user_data"`
	SessionID string         `json:"session_id"`
}

// AMQPLoader pulls seed requests from an AMQP queue, adapting
// server/server.go's consume loop (ch.Consume plus per-message ack) and
// client/conn.go's channel/queue-declare pattern to crawl seeds instead
// of RPC requests.
type AMQPLoader struct {
	ch      *amqp.Channel
	queue   string
	timeout time.Duration
	msgs    <-chan amqp.Delivery

	mu       sync.Mutex
	finished bool
}

// NewAMQPLoader declares queueName on ch (idempotent) and returns a
// Loader that consumes from it one message at a time. timeout bounds
// how long Next waits for a message before reporting exhaustion for
// this call (the loader is not finished, merely empty right now, so
// IsFinished only returns true once the broker queue is deleted out
// from under it or Close is called).
func NewAMQPLoader(ch *amqp.Channel, queueName string, timeout time.Duration) (*AMQPLoader, error) {
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("loader: declare queue %q: %w", queueName, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	msgs, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("loader: consume %q: %w", queueName, err)
	}
	return &AMQPLoader{ch: ch, queue: queueName, timeout: timeout, msgs: msgs}, nil
}

// Next waits for the next message from the broker queue, parsing it as
// an amqpSeed and building a Request. If nothing arrives within the
// loader's timeout, Next returns (nil, nil, nil, nil): not exhausted,
// just empty for now.
func (l *AMQPLoader) Next(ctx context.Context) (*request.Request, func(), func(), error) {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	case <-timer.C:
		return nil, nil, nil, nil
	case msg, ok := <-l.msgs:
		if !ok {
			l.mu.Lock()
			l.finished = true
			l.mu.Unlock()
			return nil, nil, nil, nil
		}
		var seed amqpSeed
		if err := json.Unmarshal(msg.Body, &seed); err != nil {
			nack := func() { msg.Nack(false, true) }
			return nil, nil, nack, fmt.Errorf("loader: decode seed: %w", err)
		}

		method := seed.Method
		if method == "" {
			method = "GET"
		}
		req, err := request.New(method, seed.URL, request.Options{})
		if err != nil {
			nack := func() { msg.Nack(false, true) }
			return nil, nil, nack, fmt.Errorf("loader: build request: %w", err)
		}
		if seed.UserData != nil {
			req.UserData = seed.UserData
		}
		req.SessionID = seed.SessionID

		ack := func() { msg.Ack(false) }
		nack := func() { msg.Nack(false, true) }
		return req, ack, nack, nil
	}
}

// IsFinished reports whether the broker's delivery channel has closed
// (queue deleted or channel closed), meaning no further seeds will ever
// arrive.
func (l *AMQPLoader) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finished
}

// Close stops consuming from the queue.
func (l *AMQPLoader) Close() error {
	return l.ch.Cancel("", false)
}
