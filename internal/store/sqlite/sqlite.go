// Package sqlite is the single-node record and receipt store, backed by
// modernc.org/sqlite with embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"taxledger/internal/store"

	_ "modernc.org/sqlite"
)

const rowColumns = `id, owner_id, vendor, amount_cents, date, category, deductible,
	deductible_amount_cents, description, receipt_image_ref, created_at, version`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens the database at dbPath, creating its directory, and runs the
// migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Create(ctx context.Context, row store.Row) (store.Row, error) {
	row.ID = uuid.NewString()
	row.CreatedAt = s.now()
	row.Version = 1

	_, err := s.db.ExecContext(ctx, `INSERT INTO expenses
		(id, owner_id, vendor, amount_cents, date, category, deductible,
		 deductible_amount_cents, description, receipt_image_ref, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.OwnerID, row.Vendor, row.AmountCents, row.Date.String(), row.Category,
		row.Deductible, row.DeductibleAmountCents, row.Description, row.ReceiptImageRef,
		row.CreatedAt.Format(time.RFC3339Nano), row.Version)
	if err != nil {
		return store.Row{}, fmt.Errorf("insert expense: %w", err)
	}

	slog.DebugContext(ctx, "Expense saved to SQLite",
		"id", row.ID,
		"owner_id", row.OwnerID,
		"amount_cents", row.AmountCents)
	return row, nil
}

func (s *Store) Read(ctx context.Context, f store.Filter) ([]store.Row, error) {
	query := `SELECT ` + rowColumns + ` FROM expenses WHERE owner_id = ?`
	args := []any{f.OwnerID}
	if f.ID != "" {
		query += ` AND id = ?`
		args = append(args, f.ID)
	}
	query += ` ORDER BY date DESC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expenses: %w", err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, f store.Filter, p store.RowPatch) (store.Row, error) {
	sets, args := patchAssignments(p)
	sets = append(sets, "version = version + 1")

	query := `UPDATE expenses SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND owner_id = ?`
	args = append(args, f.ID, f.OwnerID)
	if p.IfVersion != nil {
		query += ` AND version = ?`
		args = append(args, *p.IfVersion)
	}
	query += ` RETURNING ` + rowColumns

	row, err := scanRow(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, s.missing(ctx, f, p.IfVersion != nil)
	}
	if err != nil {
		return store.Row{}, err
	}
	return row, nil
}

func (s *Store) Delete(ctx context.Context, f store.Filter) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ? AND owner_id = ?`, f.ID, f.OwnerID)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Upload keeps receipt bytes in the receipts table and returns a
// sqlite:// reference.
func (s *Store) Upload(ctx context.Context, key string, data []byte, opts store.UploadOptions) (string, error) {
	query := `INSERT INTO receipts (key, content_type, data, updated_at) VALUES (?, ?, ?, ?)`
	if opts.Overwrite {
		query += ` ON CONFLICT(key) DO UPDATE SET content_type = excluded.content_type,
			data = excluded.data, updated_at = excluded.updated_at`
	}
	if _, err := s.db.ExecContext(ctx, query, key, opts.ContentType, data, s.now().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("store receipt %q: %w", key, err)
	}
	return "sqlite://receipts/" + key, nil
}

// Receipt returns stored receipt bytes and their content type.
func (s *Store) Receipt(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data []byte
		ct   string
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, content_type FROM receipts WHERE key = ?`, key).Scan(&data, &ct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", store.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read receipt %q: %w", key, err)
	}
	return data, ct, nil
}

// missing tells a version conflict apart from an absent row after an
// update matched nothing.
func (s *Store) missing(ctx context.Context, f store.Filter, versioned bool) error {
	if !versioned {
		return store.ErrNotFound
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM expenses WHERE id = ? AND owner_id = ?`, f.ID, f.OwnerID).Scan(&n)
	if err != nil {
		return fmt.Errorf("check expense: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrVersionMismatch
}

func patchAssignments(p store.RowPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Vendor != nil {
		add("vendor", *p.Vendor)
	}
	if p.AmountCents != nil {
		add("amount_cents", *p.AmountCents)
	}
	if p.Date != nil {
		add("date", p.Date.String())
	}
	if p.Category != nil {
		add("category", *p.Category)
	}
	if p.Deductible != nil {
		add("deductible", *p.Deductible)
	}
	if p.DeductibleAmountCents != nil {
		add("deductible_amount_cents", *p.DeductibleAmountCents)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.ReceiptImageRef != nil {
		add("receipt_image_ref", *p.ReceiptImageRef)
	}
	return sets, args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (store.Row, error) {
	var (
		r         store.Row
		date      string
		createdAt string
	)
	err := sc.Scan(&r.ID, &r.OwnerID, &r.Vendor, &r.AmountCents, &date, &r.Category, &r.Deductible,
		&r.DeductibleAmountCents, &r.Description, &r.ReceiptImageRef, &createdAt, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Row{}, err
	}
	if err != nil {
		return store.Row{}, fmt.Errorf("scan expense: %w", err)
	}
	if r.Date, err = civil.ParseDate(date); err != nil {
		return store.Row{}, fmt.Errorf("parse date of %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return store.Row{}, fmt.Errorf("parse created_at of %s: %w", r.ID, err)
	}
	return r, nil
}
