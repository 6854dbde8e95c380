package claiming

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the repository needs; pgxmock
// satisfies it in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements PatientRepository and AccountRepository on
// the clinic's relational database.
type PostgresRepository struct {
	pool PgxPool
}

// NewPostgresRepository initializes a repo backed by pgxpool.
func NewPostgresRepository(pool PgxPool) *PostgresRepository {
	if pool == nil {
		panic("claiming: pgx pool required")
	}
	return &PostgresRepository{pool: pool}
}

var (
	_ PatientRepository = (*PostgresRepository)(nil)
	_ AccountRepository = (*PostgresRepository)(nil)
)

// FindMatching returns every unclaimed patient whose normalized name, exact
// date of birth and phone digit sequence all equal the query's. Records that
// already carry an account are not matchable; a claim against them could
// only die at the link step.
func (r *PostgresRepository) FindMatching(ctx context.Context, normalizedName string, dob time.Time, phoneDigits string) ([]PatientRecord, error) {
	query := `
		SELECT id, full_name, date_of_birth, phone, account_id, last_visit_at
		FROM patients
		WHERE btrim(lower(regexp_replace(full_name, '\s+', ' ', 'g'))) = $1
			AND date_of_birth = $2
			AND regexp_replace(phone, '[^0-9]', '', 'g') = $3
			AND account_id IS NULL
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query, normalizedName, dob, phoneDigits)
	if err != nil {
		return nil, fmt.Errorf("claiming: find matching patients: %w", err)
	}
	defer rows.Close()

	var out []PatientRecord
	for rows.Next() {
		var rec PatientRecord
		if err := rows.Scan(&rec.ID, &rec.FullName, &rec.DateOfBirth, &rec.Phone, &rec.AccountID, &rec.LastVisitAt); err != nil {
			return nil, fmt.Errorf("claiming: scan patient: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID fetches a single patient record.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*PatientRecord, error) {
	query := `
		SELECT id, full_name, date_of_birth, phone, account_id, last_visit_at
		FROM patients
		WHERE id = $1
	`
	var rec PatientRecord
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.FullName,
		&rec.DateOfBirth,
		&rec.Phone,
		&rec.AccountID,
		&rec.LastVisitAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claiming: select patient: %w", err)
	}
	return &rec, nil
}

// LinkAccount creates the account row and sets the patient's account id in
// one transaction. The UPDATE is conditioned on account_id IS NULL so a
// concurrent claim that commits first wins and this one rolls back with
// ErrAlreadyLinked, leaving no orphaned account.
func (r *PostgresRepository) LinkAccount(ctx context.Context, patientID, username, passwordHash, email string) (*UserAccount, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claiming: begin link: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.New()
	insert := `
		INSERT INTO user_accounts (id, username, password_hash, email, patient_id)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING created_at
	`
	var createdAt time.Time
	if err := tx.QueryRow(ctx, insert, id, username, passwordHash, email, patientID).Scan(&createdAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "username") {
				return nil, ErrUsernameTaken
			}
			return nil, ErrAlreadyLinked
		}
		return nil, fmt.Errorf("claiming: insert account: %w", err)
	}

	update := `
		UPDATE patients
		SET account_id = $1, updated_at = now()
		WHERE id = $2 AND account_id IS NULL
	`
	tag, err := tx.Exec(ctx, update, id, patientID)
	if err != nil {
		return nil, fmt.Errorf("claiming: bind account to patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyLinked
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claiming: commit link: %w", err)
	}

	return &UserAccount{
		ID:        id.String(),
		Username:  username,
		Email:     email,
		PatientID: patientID,
		CreatedAt: createdAt,
	}, nil
}
