package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "overseer:agent:"

// Relay mirrors delivered messages onto Redis Streams so out-of-process
// executors can observe their mailbox traffic. In-process routing stays
// authoritative; the relay is a tap, not a transport.
type Relay struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRelay connects to Redis and pings it.
func NewRelay(redisURL string, logger *zap.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Relay{rdb: rdb, logger: logger}, nil
}

// Tap returns a bus tap that mirrors each delivered message to the
// recipient's stream. Mirroring happens off the delivery path.
func (r *Relay) Tap() Tap {
	return func(msg *Message) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Mirror(ctx, msg); err != nil {
				r.logger.Warn("relay mirror failed",
					zap.String("message", msg.ID),
					zap.Error(err))
			}
		}()
	}
}

// Mirror appends one message to its recipient's stream.
func (r *Relay) Mirror(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	stream := streamPrefix + msg.RecipientID
	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("mirror to %s: %w", stream, err)
	}

	r.logger.Debug("mirrored message",
		zap.String("from", msg.SenderID),
		zap.String("to", msg.RecipientID),
		zap.String("type", string(msg.Type)))
	return nil
}

// Listen streams an agent's mirrored messages. Cancel the context to stop.
func (r *Relay) Listen(ctx context.Context, agentID string) <-chan *Message {
	ch := make(chan *Message, 16)
	stream := streamPrefix + agentID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, res := range results {
				for _, entry := range res.Messages {
					lastID = entry.ID
					data, ok := entry.Values["data"].(string)
					if !ok {
						continue
					}
					var msg Message
					if json.Unmarshal([]byte(data), &msg) == nil {
						ch <- &msg
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}
