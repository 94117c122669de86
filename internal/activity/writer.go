package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agileflow/internal/domain"
)

// Writer appends issue activity records. Append always runs inside the
// caller's transaction so the record commits with the change it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append inserts one activity record in the given transaction. Missing ID
// and timestamp are filled in; the returned record carries the sequence
// number assigned on insert.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec domain.ActivityRecord) (domain.ActivityRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.TS == "" {
		rec.TS = w.now().UTC().Format(time.RFC3339)
	}
	payload := rec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return rec, fmt.Errorf("marshal activity payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO issue_activity(id,issue_id,kind,from_status,to_status,actor_id,ts,comment,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.IssueID, rec.Kind, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.TS, rec.Comment, string(data))
	if err != nil {
		return rec, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return rec, err
	}
	rec.Seq = seq
	return rec, nil
}

// ListByIssue returns an issue's activity newest-first.
func (w Writer) ListByIssue(ctx context.Context, issueID string, limit int) ([]domain.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT seq,id,issue_id,kind,from_status,to_status,actor_id,ts,comment,payload_json FROM issue_activity WHERE issue_id=? ORDER BY seq DESC LIMIT ?`, issueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// After returns records with seq greater than the cursor in ascending
// order. Used by the webhook dispatcher to tail the stream.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]domain.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT seq,id,issue_id,kind,from_status,to_status,actor_id,ts,comment,payload_json FROM issue_activity WHERE seq>? ORDER BY seq ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LatestSeq returns the highest activity sequence number.
func (w Writer) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := w.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM issue_activity`).Scan(&seq)
	return seq, err
}

func scanRecords(rows *sql.Rows) ([]domain.ActivityRecord, error) {
	var res []domain.ActivityRecord
	for rows.Next() {
		var rec domain.ActivityRecord
		var payload string
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.IssueID, &rec.Kind, &rec.FromStatus, &rec.ToStatus, &rec.ActorID, &rec.TS, &rec.Comment, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
				return nil, fmt.Errorf("decode activity payload: %w", err)
			}
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
