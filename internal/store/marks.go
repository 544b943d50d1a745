package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/turnkeeper/internal/usage"
	"github.com/nidhogg/turnkeeper/internal/window"
	"go.uber.org/zap"
)

// SaveMark upserts the conversation's last compaction mark.
func (s *Store) SaveMark(ctx context.Context, conversationID string, mark window.CompactionMark) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO compaction_marks (conversation_id, cutoff, summary_id, summary, persisted_count, degraded, compacted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id) DO UPDATE SET
			cutoff = EXCLUDED.cutoff,
			summary_id = EXCLUDED.summary_id,
			summary = EXCLUDED.summary,
			persisted_count = EXCLUDED.persisted_count,
			degraded = EXCLUDED.degraded,
			compacted_at = EXCLUDED.compacted_at`,
		conversationID, mark.Cutoff, mark.SummaryID, mark.Summary, mark.PersistedCount, mark.Degraded, mark.CompactedAt,
	)
	if err != nil {
		return fmt.Errorf("save compaction mark: %w", err)
	}
	return nil
}

// LoadMark returns nil, nil when the conversation was never compacted.
func (s *Store) LoadMark(ctx context.Context, conversationID string) (*window.CompactionMark, error) {
	var m window.CompactionMark
	err := s.db.QueryRow(ctx, `
		SELECT cutoff, summary_id, summary, persisted_count, degraded, compacted_at
		FROM compaction_marks WHERE conversation_id = $1`, conversationID,
	).Scan(&m.Cutoff, &m.SummaryID, &m.Summary, &m.PersistedCount, &m.Degraded, &m.CompactedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load compaction mark: %w", err)
	}
	return &m, nil
}

// SaveUsage stores the latest cumulative usage snapshot. An older
// snapshot never replaces a newer one.
func (s *Store) SaveUsage(ctx context.Context, conversationID string, rec *usage.Record) error {
	if !rec.Valid() || !rec.Stamped() {
		return fmt.Errorf("save usage: snapshot must be valid and stamped")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO usage_snapshots (conversation_id, record, observed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE SET
			record = EXCLUDED.record,
			observed_at = EXCLUDED.observed_at
		WHERE usage_snapshots.observed_at <= EXCLUDED.observed_at`,
		conversationID, data, rec.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	return nil
}

// LoadUsage returns nil, nil when no snapshot exists. A malformed stored
// snapshot is treated as absent.
func (s *Store) LoadUsage(ctx context.Context, conversationID string) (*usage.Record, error) {
	var data []byte
	err := s.db.QueryRow(ctx,
		`SELECT record FROM usage_snapshots WHERE conversation_id = $1`, conversationID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	rec := usage.Decode(data)
	if rec == nil {
		s.logger.Warn("discarding malformed usage snapshot", zap.String("conversation", conversationID))
	}
	return rec, nil
}
