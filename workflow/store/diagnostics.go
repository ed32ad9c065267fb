package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertDiagnostics persists one attempt's diagnostics payload.
//
// The insert is duplicate-tolerant on (runID, runNodeID, attempt): the first
// writer wins and later writers get inserted=false with no error, so a retry
// racing a crashed attempt cannot overwrite what was already captured.
func (s *Store) InsertDiagnostics(ctx context.Context, d DiagnosticsRow) (inserted bool, err error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	now := timestamp(s.now())
	res, err := s.db.ExecContext(ctx, s.insertIgnore()+` run_node_diagnostics
		(run_id, run_node_id, attempt, outcome, event_count, redacted, truncated, payload_chars, diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.RunNodeID, d.Attempt, d.Outcome, d.EventCount,
		boolInt(d.Redacted), boolInt(d.Truncated), d.PayloadChars, d.Diagnostics, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert diagnostics: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// GetDiagnostics loads the diagnostics row for one run-node attempt.
func (s *Store) GetDiagnostics(ctx context.Context, runNodeID int64, attempt int) (DiagnosticsRow, error) {
	if err := s.guard(); err != nil {
		return DiagnosticsRow{}, err
	}

	var (
		d                   DiagnosticsRow
		redacted, truncated int
		createdAt           string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, run_node_id, attempt, outcome, event_count, redacted, truncated, payload_chars, diagnostics, created_at
		FROM run_node_diagnostics
		WHERE run_node_id = ? AND attempt = ?`, runNodeID, attempt,
	).Scan(&d.ID, &d.RunID, &d.RunNodeID, &d.Attempt, &d.Outcome, &d.EventCount, &redacted, &truncated, &d.PayloadChars, &d.Diagnostics, &createdAt)
	if err == sql.ErrNoRows {
		return DiagnosticsRow{}, ErrNotFound
	}
	if err != nil {
		return DiagnosticsRow{}, fmt.Errorf("failed to load diagnostics: %w", err)
	}
	d.Redacted = redacted != 0
	d.Truncated = truncated != 0
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return DiagnosticsRow{}, fmt.Errorf("failed to parse diagnostics created_at: %w", err)
	}
	return d, nil
}

// AppendStreamEvent persists one provider stream event, assigning the next
// sequence number for (runNodeID, attempt) inside a transaction so sequences
// stay gap-free and strictly increasing. Returns the assigned sequence.
func (s *Store) AppendStreamEvent(ctx context.Context, e StreamEventRow) (int64, error) {
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT MAX(sequence) FROM run_node_stream_events
			WHERE run_node_id = ? AND attempt = ?`, e.RunNodeID, e.Attempt,
		).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("failed to read max sequence: %w", err)
		}
		seq = 1
		if maxSeq.Valid {
			seq = maxSeq.Int64 + 1
		}

		now := timestamp(s.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_node_stream_events
				(run_id, run_node_id, attempt, sequence, event_type, timestamp, content_chars,
				 content_preview, metadata, usage_delta_tokens, usage_cumulative_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RunID, e.RunNodeID, e.Attempt, seq, e.EventType, timestamp(e.Timestamp), e.ContentChars,
			e.ContentPreview, e.Metadata, e.UsageDeltaTokens, e.UsageCumulativeTokens, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stream event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// StreamEventsAfter returns stream events for (runNodeID, attempt) with
// sequence strictly greater than afterSeq, ordered by sequence. Pass zero to
// read from the beginning.
func (s *Store) StreamEventsAfter(ctx context.Context, runNodeID int64, attempt int, afterSeq int64) ([]StreamEventRow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, run_node_id, attempt, sequence, event_type, timestamp, content_chars,
		       content_preview, metadata, usage_delta_tokens, usage_cumulative_tokens, created_at
		FROM run_node_stream_events
		WHERE run_node_id = ? AND attempt = ? AND sequence > ?
		ORDER BY sequence ASC`, runNodeID, attempt, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query stream events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []StreamEventRow
	for rows.Next() {
		var (
			e                StreamEventRow
			ts, createdAt    string
		)
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.RunNodeID, &e.Attempt, &e.Sequence, &e.EventType, &ts, &e.ContentChars,
			&e.ContentPreview, &e.Metadata, &e.UsageDeltaTokens, &e.UsageCumulativeTokens, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse event created_at: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
