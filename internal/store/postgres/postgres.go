// Package postgres is the multi-node record and receipt store on
// PostgreSQL. Writes fire a trigger that notifies the owner's channel, so
// the store is also its own change feed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxledger/internal/store"
)

const rowColumns = `id, owner_id, vendor, amount_cents, date::text, category, deductible,
	deductible_amount_cents, description, receipt_image_ref, created_at, version`

type Store struct {
	db *pgxpool.Pool
}

// Open connects to url, runs the migrations and returns the store.
func Open(ctx context.Context, url string) (*Store, error) {
	if err := RunMigrations(url); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Create(ctx context.Context, row store.Row) (store.Row, error) {
	created, err := scanRow(s.db.QueryRow(ctx, `
		INSERT INTO expenses (id, owner_id, vendor, amount_cents, date, category, deductible,
			deductible_amount_cents, description, receipt_image_ref)
		VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10)
		RETURNING `+rowColumns,
		uuid.NewString(), row.OwnerID, row.Vendor, row.AmountCents, row.Date.String(), row.Category,
		row.Deductible, row.DeductibleAmountCents, row.Description, row.ReceiptImageRef))
	if err != nil {
		return store.Row{}, fmt.Errorf("insert expense: %w", err)
	}

	slog.DebugContext(ctx, "Expense saved to Postgres",
		"id", created.ID,
		"owner_id", created.OwnerID,
		"amount_cents", created.AmountCents)
	return created, nil
}

func (s *Store) Read(ctx context.Context, f store.Filter) ([]store.Row, error) {
	query := `SELECT ` + rowColumns + ` FROM expenses WHERE owner_id = $1`
	args := []any{f.OwnerID}
	if f.ID != "" {
		query += ` AND id = $2`
		args = append(args, f.ID)
	}
	query += ` ORDER BY date DESC, seq ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
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

	args = append(args, f.ID, f.OwnerID)
	query := `UPDATE expenses SET ` + strings.Join(sets, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args)-1) + ` AND owner_id = $` + strconv.Itoa(len(args))
	if p.IfVersion != nil {
		args = append(args, *p.IfVersion)
		query += ` AND version = $` + strconv.Itoa(len(args))
	}
	query += ` RETURNING ` + rowColumns

	row, err := scanRow(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Row{}, s.missing(ctx, f, p.IfVersion != nil)
	}
	if err != nil {
		return store.Row{}, fmt.Errorf("update expense: %w", err)
	}
	return row, nil
}

func (s *Store) Delete(ctx context.Context, f store.Filter) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM expenses WHERE id = $1 AND owner_id = $2`, f.ID, f.OwnerID)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Upload keeps receipt bytes in the receipts table and returns a
// postgres:// reference.
func (s *Store) Upload(ctx context.Context, key string, data []byte, opts store.UploadOptions) (string, error) {
	query := `INSERT INTO receipts (key, content_type, data) VALUES ($1, $2, $3)`
	if opts.Overwrite {
		query += ` ON CONFLICT (key) DO UPDATE SET content_type = EXCLUDED.content_type,
			data = EXCLUDED.data, updated_at = now()`
	}
	if _, err := s.db.Exec(ctx, query, key, opts.ContentType, data); err != nil {
		return "", fmt.Errorf("store receipt %q: %w", key, err)
	}
	return "postgres://receipts/" + key, nil
}

// Receipt returns stored receipt bytes and their content type.
func (s *Store) Receipt(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data []byte
		ct   string
	)
	err := s.db.QueryRow(ctx, `SELECT data, content_type FROM receipts WHERE key = $1`, key).Scan(&data, &ct)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", store.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read receipt %q: %w", key, err)
	}
	return data, ct, nil
}

func (s *Store) missing(ctx context.Context, f store.Filter, versioned bool) error {
	if !versioned {
		return store.ErrNotFound
	}
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM expenses WHERE id = $1 AND owner_id = $2)`,
		f.ID, f.OwnerID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check expense: %w", err)
	}
	if !exists {
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
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
	}
	if p.Vendor != nil {
		add("vendor", *p.Vendor)
	}
	if p.AmountCents != nil {
		add("amount_cents", *p.AmountCents)
	}
	if p.Date != nil {
		args = append(args, p.Date.String())
		sets = append(sets, "date = $"+strconv.Itoa(len(args))+"::date")
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

func scanRow(row pgx.Row) (store.Row, error) {
	var (
		r         store.Row
		date      string
		createdAt time.Time
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.Vendor, &r.AmountCents, &date, &r.Category, &r.Deductible,
		&r.DeductibleAmountCents, &r.Description, &r.ReceiptImageRef, &createdAt, &r.Version)
	if err != nil {
		return store.Row{}, err
	}
	if r.Date, err = civil.ParseDate(date); err != nil {
		return store.Row{}, fmt.Errorf("parse date of %s: %w", r.ID, err)
	}
	r.CreatedAt = createdAt.UTC()
	return r, nil
}
