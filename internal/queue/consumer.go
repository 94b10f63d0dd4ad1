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

// Consumer drains the activity queue into a FileWriter.
type Consumer struct {
    URL    string
    Queue  string
    Writer *FileWriter
    Log    *slog.Logger
}

// Run connects to the broker, declares the queue and appends every message
// to the activity log.  It reconnects with exponential backoff and returns
// only when ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
    if c.Queue == "" {
        c.Queue = DefaultQueue
    }
    if c.Log == nil {
        c.Log = slog.Default()
    }

    backoff := time.Second
    for {
        conn, err := amqp.DialConfig(c.URL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
        if err == nil {
            backoff = time.Second
            err = c.consume(ctx, conn)
            _ = conn.Close()
        }
        if ctx.Err() != nil {
            return nil
        }
        c.Log.Warn("activity consumer: disconnected", "err", err, "retry_in", backoff)

        select {
        case <-ctx.Done():
            return nil
        case <-time.After(backoff):
        }
        if backoff < 30*time.Second {
            backoff *= 2
        }
    }
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        c.Log.Warn("activity consumer: set QoS failed", "err", err)
    }
    if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    msgs, err := ch.ConsumeWithContext(ctx, c.Queue, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case d, ok := <-msgs:
            if !ok {
                return errors.New("deliveries channel closed")
            }
            if err := c.handle(d.Body); err != nil {
                c.Log.Error("activity consumer: handle message failed", "err", err)
                _ = d.Nack(false, false) // drop, requeueing would spin
                continue
            }
            _ = d.Ack(false)
        }
    }
}

func (c *Consumer) handle(body []byte) error {
    var a service.Activity
    if err := json.Unmarshal(body, &a); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if a.Type == "" {
        return errors.New("activity without type")
    }
    return c.Writer.Write(a)
}
