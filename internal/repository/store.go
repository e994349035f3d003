package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var ErrNotFound = errors.New("record not found")

// Field is a column/value pair. Order is preserved when building queries so
// that positional placeholders line up for every driver.
type Field struct {
	Column string
	Value  any
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// createOrUpdate inserts a row keyed by search or, when a row with the same
// search columns exists, overwrites its update columns. It runs as a single
// INSERT ... ON CONFLICT statement and reports whether the row was new.
func createOrUpdate(ctx context.Context, q querier, table string, search, update []Field) (string, bool, error) {
	if len(search) == 0 {
		return "", false, fmt.Errorf("createOrUpdate %s: empty search key", table)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", false, fmt.Errorf("failed to generate nanoid: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	columns := make([]string, 0, len(search)+len(update)+3)
	args := make([]any, 0, cap(columns))

	columns = append(columns, "id")
	args = append(args, id)
	for _, f := range search {
		columns = append(columns, f.Column)
		args = append(args, f.Value)
	}
	for _, f := range update {
		columns = append(columns, f.Column)
		args = append(args, f.Value)
	}
	columns = append(columns, "created_at", "updated_at")
	args = append(args, now, now)

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	conflict := make([]string, len(search))
	for i, f := range search {
		conflict[i] = f.Column
	}

	sets := make([]string, 0, len(update)+1)
	for _, f := range update {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", f.Column, f.Column))
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING id",
		table,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflict, ", "),
		strings.Join(sets, ", "),
	)

	var storedID string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&storedID); err != nil {
		return "", false, fmt.Errorf("failed to upsert into %s: %w", table, err)
	}

	return storedID, storedID == id, nil
}

// updateFields sets columns on the row with the given id and bumps updated_at.
func updateFields(ctx context.Context, q querier, table, id string, fields []Field) error {
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for i, f := range fields {
		sets = append(sets, fmt.Sprintf("%s = $%d", f.Column, i+1))
		args = append(args, f.Value)
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(fields)+1))
	args = append(args, time.Now().UTC().Truncate(time.Microsecond), id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(fields)+2)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func placeholderList(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStrings(raw string) ([]string, error) {
	var values []string
	if raw == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}
