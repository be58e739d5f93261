package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/cterryc/pyme-sub001/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time check: ApplicationRepository implements domain.ApplicationRepository.
var _ domain.ApplicationRepository = (*ApplicationRepository)(nil)

// ApplicationRepository implements domain.ApplicationRepository using SQLite.
type ApplicationRepository struct {
	db *sql.DB
}

// New opens a SQLite database, runs migrations, and returns a ready repository.
func New(dataSourceName string) (*ApplicationRepository, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and returns a ready repository.
// Use this when the *sql.DB has been pre-configured (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*ApplicationRepository, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &ApplicationRepository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *ApplicationRepository) Close() error {
	return r.db.Close()
}

// DB returns the underlying database connection for use by other adapters (e.g., river).
func (r *ApplicationRepository) DB() *sql.DB {
	return r.db
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const timeFormat = time.RFC3339Nano

const selectApplication = `SELECT id, owner_id, status, approved_amount, risk_score,
	rejection_reason, internal_notes, version, created_at, updated_at
	FROM applications`

// Create inserts a new application with its initial history.
func (r *ApplicationRepository) Create(ctx context.Context, rec domain.ApplicationRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO applications (id, owner_id, status, approved_amount, risk_score,
		 rejection_reason, internal_notes, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, string(rec.Status),
		nullFloat(rec.ApprovedAmount), nullFloat(rec.RiskScore),
		rec.RejectionReason, rec.InternalNotes, rec.Version,
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("application %q already exists", rec.ID)
		}
		return fmt.Errorf("inserting application: %w", err)
	}

	if err := insertHistory(ctx, tx, rec.ID, 0, rec.History); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the application with its full history.
func (r *ApplicationRepository) Load(ctx context.Context, id string) (domain.ApplicationRecord, error) {
	rec, err := scanApplication(r.db.QueryRowContext(ctx, selectApplication+` WHERE id = ?`, id))
	if err != nil {
		return domain.ApplicationRecord{}, err
	}

	rec.History, err = r.loadHistory(ctx, id)
	if err != nil {
		return domain.ApplicationRecord{}, err
	}
	return rec, nil
}

// Commit stores rec if the stored version is exactly rec.Version-1, and
// appends the history entries not yet stored. Both happen in one transaction.
func (r *ApplicationRepository) Commit(ctx context.Context, rec domain.ApplicationRecord) error {
	if !rec.Consistent() {
		return fmt.Errorf("refusing to commit application %q: status does not match history", rec.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE applications SET status = ?, approved_amount = ?, risk_score = ?,
		 rejection_reason = ?, internal_notes = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(rec.Status), nullFloat(rec.ApprovedAmount), nullFloat(rec.RiskScore),
		rec.RejectionReason, rec.InternalNotes, rec.Version,
		rec.UpdatedAt.UTC().Format(timeFormat),
		rec.ID, rec.Version-1,
	)
	if err != nil {
		return fmt.Errorf("updating application: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM applications WHERE id = ?`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrApplicationNotFound
		}
		if err != nil {
			return fmt.Errorf("checking application: %w", err)
		}
		return domain.ErrStaleRecord
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM status_history WHERE application_id = ?`, rec.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("counting history: %w", err)
	}
	if stored > len(rec.History) {
		return fmt.Errorf("application %q history is shorter than stored history", rec.ID)
	}

	if err := insertHistory(ctx, tx, rec.ID, stored, rec.History[stored:]); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns applications matching filter, newest first.
func (r *ApplicationRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.ApplicationRecord, error) {
	query := selectApplication
	var where []string
	var args []any

	if filter.OwnerID != "" {
		where = append(where, `owner_id = ?`)
		args = append(args, filter.OwnerID)
	}
	if filter.Status != nil {
		where = append(where, `status = ?`)
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}

	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}

	var records []domain.ApplicationRecord
	for rows.Next() {
		rec, err := scanApplication(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating applications: %w", err)
	}
	rows.Close()

	// History is read after the cursor is closed; the pool may hold a single connection.
	for i := range records {
		if records[i].History, err = r.loadHistory(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *ApplicationRepository) loadHistory(ctx context.Context, id string) ([]domain.StatusHistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, changed_at, changed_by, reason
		 FROM status_history WHERE application_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var history []domain.StatusHistoryEntry
	for rows.Next() {
		var e domain.StatusHistoryEntry
		var status, changedAt string
		if err := rows.Scan(&status, &changedAt, &e.ChangedBy, &e.Reason); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Status = domain.Status(status)
		e.Timestamp, _ = time.Parse(timeFormat, changedAt)
		history = append(history, e)
	}
	return history, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, id string, firstSeq int, entries []domain.StatusHistoryEntry) error {
	for i, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO status_history (application_id, seq, status, changed_at, changed_by, reason)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			id, firstSeq+i, string(e.Status), e.Timestamp.UTC().Format(timeFormat), e.ChangedBy, e.Reason,
		)
		if err != nil {
			return fmt.Errorf("inserting history entry: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanApplication scans one applications row without its history.
func scanApplication(row scanner) (domain.ApplicationRecord, error) {
	var rec domain.ApplicationRecord
	var status, createdAt, updatedAt string
	var approved, risk sql.NullFloat64

	err := row.Scan(&rec.ID, &rec.OwnerID, &status, &approved, &risk,
		&rec.RejectionReason, &rec.InternalNotes, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ApplicationRecord{}, domain.ErrApplicationNotFound
		}
		return domain.ApplicationRecord{}, fmt.Errorf("scanning application: %w", err)
	}

	rec.Status = domain.Status(status)
	if approved.Valid {
		rec.ApprovedAmount = &approved.Float64
	}
	if risk.Valid {
		rec.RiskScore = &risk.Float64
	}
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return rec, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
