package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/regflow/internal/domain/registration"
)

// RecordRepository implements registration.RecordRepository.
type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

// Save upserts by email. The session id of an existing row is never replaced.
func (r *RecordRepository) Save(ctx context.Context, rec *registration.Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO registration_records
		(email, password, username, session_id, status, verification_code, submitted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8,$9)
		ON CONFLICT (email) DO UPDATE SET
			password=EXCLUDED.password,
			username=EXCLUDED.username,
			status=EXCLUDED.status,
			verification_code=COALESCE(EXCLUDED.verification_code, registration_records.verification_code),
			submitted=registration_records.submitted OR EXCLUDED.submitted,
			updated_at=EXCLUDED.updated_at
	`, rec.Email, rec.Password, rec.Username, rec.SessionID, rec.Status, rec.VerificationCode, rec.Submitted, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r *RecordRepository) Get(ctx context.Context, email string) (*registration.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT email, password, username, session_id, status, verification_code, submitted, created_at, updated_at
		FROM registration_records WHERE email=$1
	`, email)
	return scanRecord(row)
}

func (r *RecordRepository) List(ctx context.Context, limit int) ([]*registration.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT email, password, username, session_id, status, verification_code, submitted, created_at, updated_at
		FROM registration_records ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*registration.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RecordRepository) Delete(ctx context.Context, email string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM registration_records WHERE email=$1`, email)
	return err
}

func scanRecord(row pgx.Row) (*registration.Record, error) {
	var rec registration.Record
	var status string
	var code *string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&rec.Email, &rec.Password, &rec.Username, &rec.SessionID, &status, &code, &rec.Submitted, &createdAt, &updatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Status = registration.Status(status)
	if code != nil {
		rec.VerificationCode = *code
	}
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	return &rec, nil
}
