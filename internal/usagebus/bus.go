package usagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/turnkeeper/internal/usage"
)

// DefaultStream is the Redis stream usage snapshots are published on.
const DefaultStream = "turnkeeper:usage"

// ErrUnstamped is returned when publishing a per-call record. Only
// cumulative snapshots may travel on the bus: delivery is at-least-once
// and the ledger only deduplicates stamped records.
var ErrUnstamped = errors.New("usage snapshot must be stamped")

// Notification is one usage snapshot read from the stream. Usage is nil
// when the entry was malformed.
type Notification struct {
	EntryID        string
	ConversationID string
	Usage          *usage.Record
}

// Folder accepts delivered snapshots. window.Manager implements it.
type Folder interface {
	FoldUsage(ctx context.Context, conversationID string, rec *usage.Record) *usage.Record
}

// Bus carries usage snapshots between processes via a Redis stream.
type Bus struct {
	rdb    *redis.Client
	stream string
	logger *zap.Logger
}

// New creates a Redis-backed usage bus.
func New(ctx context.Context, redisURL, stream string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &Bus{rdb: rdb, stream: stream, logger: logger}, nil
}

// Publish appends a cumulative snapshot for a conversation.
func (b *Bus) Publish(ctx context.Context, conversationID string, rec *usage.Record) error {
	if !rec.Valid() {
		return fmt.Errorf("publish usage for %s: invalid record", conversationID)
	}
	if !rec.Stamped() {
		return fmt.Errorf("publish usage for %s: %w", conversationID, ErrUnstamped)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{
			"conversation": conversationID,
			"usage":        string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", b.stream, err)
	}

	b.logger.Debug("published usage snapshot",
		zap.String("conversation", conversationID),
		zap.Int64("total", rec.TotalTokens))
	return nil
}

// Subscribe reads snapshots after fromID ("$" for new entries only, "0"
// to replay the stream). The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, fromID string) <-chan *Notification {
	ch := make(chan *Notification, 16)
	if fromID == "" {
		fromID = "$"
	}

	go func() {
		defer close(ch)
		lastID := fromID

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{b.stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read usage stream", zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					n := parseEntry(msg)
					select {
					case ch <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Run folds every delivered snapshot into f until ctx is done.
// Malformed entries are skipped.
func (b *Bus) Run(ctx context.Context, fromID string, f Folder) {
	for n := range b.Subscribe(ctx, fromID) {
		if n.Usage == nil || n.ConversationID == "" {
			b.logger.Warn("skipping malformed usage entry", zap.String("entry", n.EntryID))
			continue
		}
		total := f.FoldUsage(ctx, n.ConversationID, n.Usage)
		b.logger.Debug("folded usage snapshot",
			zap.String("conversation", n.ConversationID),
			zap.Int64("total", total.TotalTokens))
	}
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

func parseEntry(msg redis.XMessage) *Notification {
	n := &Notification{EntryID: msg.ID}
	n.ConversationID, _ = msg.Values["conversation"].(string)
	if data, ok := msg.Values["usage"].(string); ok {
		n.Usage = usage.Decode([]byte(data))
	}
	return n
}
