package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log/slog"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/iliyamo/keygate/internal/service"
)

// ErrBacklogFull is returned by Publish when the outbound buffer is full.
var ErrBacklogFull = errors.New("activity backlog full")

const (
    defaultBacklog = 1024
    dialTimeout    = 2 * time.Second
)

// Publisher sends activity to a durable RabbitMQ queue as persistent JSON
// messages.  Publish only enqueues; Run owns the broker connection and does
// all network I/O, so a slow or absent broker never blocks a request.
type Publisher struct {
    url    string
    queue  string
    log    *slog.Logger
    events chan service.Activity

    conn *amqp.Connection
    ch   *amqp.Channel
}

// NewPublisher returns a publisher for url.  An empty queue name selects
// DefaultQueue; backlog <= 0 selects the default buffer size.
func NewPublisher(url, queue string, backlog int, logger *slog.Logger) *Publisher {
    if queue == "" {
        queue = DefaultQueue
    }
    if backlog <= 0 {
        backlog = defaultBacklog
    }
    if logger == nil {
        logger = slog.Default()
    }
    return &Publisher{url: url, queue: queue, log: logger, events: make(chan service.Activity, backlog)}
}

// Publish implements service.ActivitySink.  It never blocks; when the
// backlog is full the event is dropped and ErrBacklogFull returned.
func (p *Publisher) Publish(_ context.Context, a service.Activity) error {
    select {
    case p.events <- a:
        return nil
    default:
        return ErrBacklogFull
    }
}

// Run drains the backlog to the broker until ctx is cancelled.  Events that
// cannot be delivered are logged and dropped.
func (p *Publisher) Run(ctx context.Context) error {
    defer p.close()
    for {
        select {
        case <-ctx.Done():
            return nil
        case a := <-p.events:
            if err := p.send(ctx, a); err != nil {
                p.log.Warn("activity publish failed", "type", a.Type, "err", err)
            }
        }
    }
}

func (p *Publisher) channel() (*amqp.Channel, error) {
    if p.ch != nil && !p.ch.IsClosed() {
        return p.ch, nil
    }
    if p.conn == nil || p.conn.IsClosed() {
        conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
        if err != nil {
            return nil, fmt.Errorf("dial broker: %w", err)
        }
        p.conn = conn
    }
    ch, err := p.conn.Channel()
    if err != nil {
        return nil, fmt.Errorf("channel open: %w", err)
    }
    if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
        _ = ch.Close()
        return nil, fmt.Errorf("queue declare: %w", err)
    }
    p.ch = ch
    return ch, nil
}

func (p *Publisher) send(ctx context.Context, a service.Activity) error {
    body, err := json.Marshal(a)
    if err != nil {
        return fmt.Errorf("marshal activity: %w", err)
    }
    ch, err := p.channel()
    if err != nil {
        return err
    }
    err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        Timestamp:    time.Now().UTC(),
        Type:         a.Type,
        Body:         body,
    })
    if err != nil {
        // force a fresh channel next time
        _ = ch.Close()
        p.ch = nil
        return fmt.Errorf("publish activity: %w", err)
    }
    return nil
}

func (p *Publisher) close() {
    if p.ch != nil {
        _ = p.ch.Close()
        p.ch = nil
    }
    if p.conn != nil {
        _ = p.conn.Close()
        p.conn = nil
    }
}
