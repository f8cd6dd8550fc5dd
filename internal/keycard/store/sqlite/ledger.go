package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/BrandonDHaskell/hotelkeys/internal/db"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

const issueColumns = `
id, hotel_id, booking_id, room_id, card_type, payload_json, status,
result_json, error_message, retry_count, created_at_ms, updated_at_ms, completed_at_ms`

// Ledger stores card issues in SQLite.  Reads go straight to db; every
// write goes through the single-writer worker.
type Ledger struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewLedger(db *sql.DB, writer *dbpkg.Worker) *Ledger {
	return &Ledger{db: db, writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Ledger) CreateCardIssue(ctx context.Context, in store.NewCardIssue) (types.CardIssue, error) {
	status := in.Status
	if status == "" {
		status = types.IssuePending
	}
	if status != types.IssuePending && status != types.IssueInProgress {
		return types.CardIssue{}, store.ErrInvalidTransition
	}

	payload := in.Payload
	if payload == nil {
		payload = types.Payload{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return types.CardIssue{}, fmt.Errorf("CreateCardIssue marshal payload: %w", err)
	}

	now := s.now()
	iss := types.CardIssue{
		ID:        uuid.NewString(),
		HotelID:   strings.TrimSpace(in.HotelID),
		BookingID: strings.TrimSpace(in.BookingID),
		RoomID:    strings.TrimSpace(in.RoomID),
		CardType:  in.CardType,
		Payload:   payload,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM card_issues WHERE booking_id = ? AND card_type = ?;
`, iss.BookingID, string(iss.CardType)).Scan(&existing)
		if err == nil {
			return store.ErrIssueExists
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("CreateCardIssue lookup: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO card_issues(
  id, hotel_id, booking_id, room_id, card_type, payload_json, status,
  retry_count, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`,
			iss.ID, iss.HotelID, iss.BookingID, nullString(iss.RoomID), string(iss.CardType),
			string(payloadJSON), string(iss.Status), now.UnixMilli(), now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("CreateCardIssue insert: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.CardIssue{}, err
	}
	// Round-trip timestamps through millisecond precision like the stored row.
	iss.CreatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	iss.UpdatedAt = iss.CreatedAt
	return iss, nil
}

func (s *Ledger) UpdateCardIssueStatus(ctx context.Context, id string, upd store.StatusUpdate) error {
	if upd.At.IsZero() {
		upd.At = s.now()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getIssue(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := store.ApplyUpdate(cur, upd)
		if err != nil {
			return err
		}
		return writeStatus(ctx, tx, next)
	})
}

func (s *Ledger) RequeueFailed(ctx context.Context, id string) (types.CardIssue, error) {
	var out types.CardIssue
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getIssue(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := store.Requeue(cur, s.now())
		if err != nil {
			return err
		}
		if err := writeStatus(ctx, tx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Ledger) GetCardIssues(ctx context.Context, hotelID string, f store.IssueFilter) ([]types.CardIssue, error) {
	q := `SELECT ` + issueColumns + ` FROM card_issues WHERE 1 = 1`
	var args []any
	if hotelID != "" {
		q += ` AND hotel_id = ?`
		args = append(args, hotelID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.BookingID != "" {
		q += ` AND booking_id = ?`
		args = append(args, f.BookingID)
	}
	q += ` ORDER BY created_at_ms DESC, rowid DESC;`

	return queryIssues(ctx, s.db, q, args...)
}

func (s *Ledger) GetCardIssue(ctx context.Context, id string) (types.CardIssue, error) {
	return getIssue(ctx, s.db, id)
}

func (s *Ledger) FindCardIssue(ctx context.Context, bookingID string, ct types.CardType) (types.CardIssue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+`
FROM card_issues WHERE booking_id = ? AND card_type = ?;`, strings.TrimSpace(bookingID), string(ct))
	return scanIssue(row)
}

// ListStale uses idx_card_issues_stale for the status/updated_at range.
func (s *Ledger) ListStale(ctx context.Context, before time.Time) ([]types.CardIssue, error) {
	return queryIssues(ctx, s.db, `SELECT `+issueColumns+`
FROM card_issues
WHERE status IN ('queued', 'in_progress') AND updated_at_ms < ?
ORDER BY updated_at_ms;`, before.UTC().UnixMilli())
}

// ── row helpers ──────────────────────────────────────────────────────────────

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getIssue(ctx context.Context, q queryer, id string) (types.CardIssue, error) {
	row := q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM card_issues WHERE id = ?;`, id)
	return scanIssue(row)
}

func queryIssues(ctx context.Context, db *sql.DB, q string, args ...any) ([]types.CardIssue, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query card issues: %w", err)
	}
	defer rows.Close()

	var out []types.CardIssue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, iss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate card issues: %w", err)
	}
	return out, nil
}

func scanIssue(r rowScanner) (types.CardIssue, error) {
	var (
		iss         types.CardIssue
		roomID      sql.NullString
		cardType    string
		payloadJSON string
		status      string
		resultJSON  sql.NullString
		errMsg      sql.NullString
		createdMs   int64
		updatedMs   int64
		completedMs sql.NullInt64
	)
	err := r.Scan(
		&iss.ID, &iss.HotelID, &iss.BookingID, &roomID, &cardType, &payloadJSON, &status,
		&resultJSON, &errMsg, &iss.RetryCount, &createdMs, &updatedMs, &completedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CardIssue{}, store.ErrIssueNotFound
	}
	if err != nil {
		return types.CardIssue{}, fmt.Errorf("scan card issue: %w", err)
	}

	iss.RoomID = roomID.String
	iss.CardType = types.CardType(cardType)
	iss.Status = types.IssueStatus(status)
	iss.ErrorMessage = errMsg.String
	iss.CreatedAt = time.UnixMilli(createdMs).UTC()
	iss.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		iss.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &iss.Payload); err != nil {
		return types.CardIssue{}, fmt.Errorf("decode payload for %s: %w", iss.ID, err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var res types.CardResult
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return types.CardIssue{}, fmt.Errorf("decode result for %s: %w", iss.ID, err)
		}
		iss.Result = &res
	}
	return iss, nil
}

// writeStatus persists the mutable columns of an already-validated issue.
// completed_at_ms is only ever filled, never cleared.
func writeStatus(ctx context.Context, tx *sql.Tx, iss types.CardIssue) error {
	var resultJSON any
	if iss.Result != nil {
		b, err := json.Marshal(iss.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(b)
	}
	var completedMs any
	if iss.CompletedAt != nil {
		completedMs = iss.CompletedAt.UTC().UnixMilli()
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE card_issues
SET status          = ?,
    result_json     = ?,
    error_message   = ?,
    retry_count     = ?,
    updated_at_ms   = ?,
    completed_at_ms = COALESCE(completed_at_ms, ?)
WHERE id = ?;
`,
		string(iss.Status), resultJSON, nullString(iss.ErrorMessage), iss.RetryCount,
		iss.UpdatedAt.UTC().UnixMilli(), completedMs, iss.ID,
	); err != nil {
		return fmt.Errorf("update card issue %s: %w", iss.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
