package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateExternalID means another member already holds the id on
// this server.
var ErrDuplicateExternalID = errors.New("registry: external id already reserved")

type Reservation struct {
	ServerID   string
	ExternalID string
	OwnerID    string
	SessionID  string
	ReservedAt time.Time
}

type RecruiterCount struct {
	RecruiterID string
	Month       string
	Recruits    int
}

type Transcript struct {
	ID           string
	ServerID     string
	ChannelID    string
	SessionID    string
	OwnerID      string
	Scope        string
	ObjectKey    string
	Incomplete   bool
	MessageCount int
	Body         string
	CreatedAt    time.Time
}

type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (r *PostgresRegistry) DB() *sql.DB { return r.db }

// ReserveExternalID claims an external id for an owner. A single insert
// with ON CONFLICT DO NOTHING is the authoritative uniqueness check:
// concurrent claims race at the unique index and exactly one wins.
// Re-reserving an id the same owner already holds is a no-op, so a
// retried approval stays idempotent. The returned bool reports whether
// this call inserted the row; callers that lose a later race use it to
// decide whether the row is theirs to release.
func (r *PostgresRegistry) ReserveExternalID(ctx context.Context, serverID, externalID, ownerID, sessionID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO external_ids (server_id, external_id, owner_id, session_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (server_id, external_id) DO NOTHING
	`, serverID, externalID, ownerID, sessionID)
	if err != nil {
		return false, fmt.Errorf("reserve external id: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	var holder string
	err = r.db.QueryRowContext(ctx, `
		SELECT owner_id FROM external_ids WHERE server_id=$1 AND external_id=$2
	`, serverID, externalID).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between our insert and the read; one retry is enough
		// in practice, the caller surfaces the conflict otherwise.
		return false, ErrDuplicateExternalID
	}
	if err != nil {
		return false, fmt.Errorf("lookup external id holder: %w", err)
	}
	if holder == ownerID {
		return false, nil
	}
	return false, ErrDuplicateExternalID
}

// ReleaseExternalID frees a reservation. Only the recorded owner's row
// is removed; releasing an id held by someone else is a no-op.
func (r *PostgresRegistry) ReleaseExternalID(ctx context.Context, serverID, externalID, ownerID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM external_ids WHERE server_id=$1 AND external_id=$2 AND owner_id=$3
	`, serverID, externalID, ownerID)
	if err != nil {
		return fmt.Errorf("release external id: %w", err)
	}
	return nil
}

// LookupExternalID returns the current reservation, or ok=false when the
// id is free. Submission uses it for the advisory pre-check.
func (r *PostgresRegistry) LookupExternalID(ctx context.Context, serverID, externalID string) (Reservation, bool, error) {
	var res Reservation
	err := r.db.QueryRowContext(ctx, `
		SELECT server_id, external_id, owner_id, session_id, reserved_at
		FROM external_ids WHERE server_id=$1 AND external_id=$2
	`, serverID, externalID).Scan(&res.ServerID, &res.ExternalID, &res.OwnerID, &res.SessionID, &res.ReservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("lookup external id: %w", err)
	}
	return res, true, nil
}

// IncrementRecruits bumps the recruiter's counter for the current month.
func (r *PostgresRegistry) IncrementRecruits(ctx context.Context, serverID, recruiterID string) error {
	month := time.Now().UTC().Format("2006-01")
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recruiter_counters (server_id, recruiter_id, month, recruits)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (server_id, recruiter_id, month)
		DO UPDATE SET recruits = recruiter_counters.recruits + 1
	`, serverID, recruiterID, month)
	if err != nil {
		return fmt.Errorf("increment recruits: %w", err)
	}
	return nil
}

// TopRecruiters lists the month's leaderboard, highest first.
func (r *PostgresRegistry) TopRecruiters(ctx context.Context, serverID, month string, limit int) ([]RecruiterCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT recruiter_id, month, recruits
		FROM recruiter_counters
		WHERE server_id=$1 AND month=$2
		ORDER BY recruits DESC, recruiter_id
		LIMIT $3
	`, serverID, month, limit)
	if err != nil {
		return nil, fmt.Errorf("top recruiters: %w", err)
	}
	defer rows.Close()

	var out []RecruiterCount
	for rows.Next() {
		var rc RecruiterCount
		if err := rows.Scan(&rc.RecruiterID, &rc.Month, &rc.Recruits); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *PostgresRegistry) InsertTranscript(ctx context.Context, tr *Transcript) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transcripts
			(id, server_id, channel_id, session_id, owner_id, scope, object_key, incomplete, message_count, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.ServerID, tr.ChannelID, tr.SessionID, tr.OwnerID, tr.Scope,
		tr.ObjectKey, tr.Incomplete, tr.MessageCount, tr.Body, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) GetTranscript(ctx context.Context, serverID, id string) (Transcript, error) {
	var tr Transcript
	err := r.db.QueryRowContext(ctx, `
		SELECT id, server_id, channel_id, session_id, owner_id, scope, object_key, incomplete, message_count, body, created_at
		FROM transcripts WHERE server_id=$1 AND id=$2
	`, serverID, id).Scan(&tr.ID, &tr.ServerID, &tr.ChannelID, &tr.SessionID, &tr.OwnerID,
		&tr.Scope, &tr.ObjectKey, &tr.Incomplete, &tr.MessageCount, &tr.Body, &tr.CreatedAt)
	if err != nil {
		return Transcript{}, fmt.Errorf("get transcript: %w", err)
	}
	return tr, nil
}

// SearchTranscripts is the ILIKE fallback used when the search index is
// unavailable. Body text is stored alongside the metadata for exactly
// this purpose.
func (r *PostgresRegistry) SearchTranscripts(ctx context.Context, serverID, query string, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, server_id, channel_id, session_id, owner_id, scope, object_key, incomplete, message_count, body, created_at
		FROM transcripts
		WHERE server_id=$1 AND (body ILIKE '%' || $2 || '%' OR owner_id = $2 OR scope ILIKE '%' || $2 || '%')
		ORDER BY created_at DESC
		LIMIT $3
	`, serverID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.ID, &tr.ServerID, &tr.ChannelID, &tr.SessionID, &tr.OwnerID,
			&tr.Scope, &tr.ObjectKey, &tr.Incomplete, &tr.MessageCount, &tr.Body, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
