package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Insulin and basal rates are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var entryColumns = []string{
	"id", "type", "sgv", "delta", "direction", "noise",
	"date_ms", "date_string", "device", "source",
}

var treatmentColumns = []string{
	"id", "event_type", "date_ms", "created_at", "insulin", "carbs",
	"rate", "absolute", "duration", "notes", "entered_by", "source",
}

// Filter field → column maps for query.ToSQL.
var (
	entryFilterColumns = query.Columns{
		Fields: map[string]query.Column{
			"_id":        {Name: "id", Kind: query.Text},
			"type":       {Name: "type", Kind: query.Text},
			"sgv":        {Name: "sgv", Kind: query.Numeric},
			"mgdl":       {Name: "sgv", Kind: query.Numeric},
			"delta":      {Name: "delta", Kind: query.Numeric},
			"direction":  {Name: "direction", Kind: query.Text},
			"noise":      {Name: "noise", Kind: query.Numeric},
			"date":       {Name: "date_ms", Kind: query.Numeric},
			"mills":      {Name: "date_ms", Kind: query.Numeric},
			"srvCreated": {Name: "date_ms", Kind: query.Numeric},
			"dateString": {Name: "date_string", Kind: query.Text},
			"sysTime":    {Name: "date_string", Kind: query.Text},
			"device":     {Name: "device", Kind: query.Text},
			"source":     {Name: "source", Kind: query.Text},
		},
		Date: "date_ms",
	}

	treatmentFilterColumns = query.Columns{
		Fields: map[string]query.Column{
			"_id":        {Name: "id", Kind: query.Text},
			"eventType":  {Name: "event_type", Kind: query.Text},
			"date":       {Name: "date_ms", Kind: query.Numeric},
			"mills":      {Name: "date_ms", Kind: query.Numeric},
			"srvCreated": {Name: "date_ms", Kind: query.Numeric},
			"created_at": {Name: "created_at", Kind: query.Text},
			"sysTime":    {Name: "created_at", Kind: query.Text},
			"insulin":    {Name: "insulin", Kind: query.Numeric},
			"carbs":      {Name: "carbs", Kind: query.Numeric},
			"rate":       {Name: "rate", Kind: query.Numeric},
			"absolute":   {Name: "absolute", Kind: query.Numeric},
			"duration":   {Name: "duration", Kind: query.Numeric},
			"notes":      {Name: "notes", Kind: query.Text},
			"enteredBy":  {Name: "entered_by", Kind: query.Text},
			"source":     {Name: "source", Kind: query.Text},
		},
		Date: "date_ms",
	}
)

func (s *PostgresStore) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
		e := entries[i]
		return []any{
			e.ID, e.Type, e.SGV, e.Delta, string(e.Direction), e.Noise,
			e.Date, e.DateString, e.Device, e.Source,
		}, nil
	})
	if err := s.copyIgnoringDuplicates(ctx, "entries", entryColumns, rows); err != nil {
		return fmt.Errorf("insert %d entries: %w", len(entries), err)
	}
	return nil
}

func (s *PostgresStore) InsertTreatments(ctx context.Context, treatments []model.Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	rows := pgx.CopyFromSlice(len(treatments), func(i int) ([]any, error) {
		t := treatments[i]
		return []any{
			t.ID, t.EventType, t.Date, t.CreatedAt,
			numeric(t.Insulin), t.Carbs, numeric(t.Rate), numeric(t.Absolute),
			t.Duration, t.Notes, t.EnteredBy, t.Source,
		}, nil
	})
	if err := s.copyIgnoringDuplicates(ctx, "treatments", treatmentColumns, rows); err != nil {
		return fmt.Errorf("insert %d treatments: %w", len(treatments), err)
	}
	return nil
}

// copyIgnoringDuplicates bulk-loads rows through COPY into a staging table
// and moves them over with ON CONFLICT DO NOTHING. COPY alone aborts on the
// first duplicate id.
func (s *PostgresStore) copyIgnoringDuplicates(ctx context.Context, table string, columns []string, rows pgx.CopyFromSource) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stage := table + "_stage"
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`, stage, table)); err != nil {
		return err
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, columns, rows); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s SELECT * FROM %s ON CONFLICT (id) DO NOTHING`, table, stage)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteBySource(ctx context.Context, source string) (int64, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	et, err := tx.Exec(ctx, `DELETE FROM entries WHERE source = $1`, source)
	if err != nil {
		return 0, 0, fmt.Errorf("delete entries: %w", err)
	}
	tt, err := tx.Exec(ctx, `DELETE FROM treatments WHERE source = $1`, source)
	if err != nil {
		return 0, 0, fmt.Errorf("delete treatments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return et.RowsAffected(), tt.RowsAffected(), nil
}

func (s *PostgresStore) CountBySource(ctx context.Context, source string) (int64, int64, error) {
	var ne, nt int64
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM entries    WHERE source = $1),
		        (SELECT COUNT(*) FROM treatments WHERE source = $1)`, source).
		Scan(&ne, &nt)
	if err != nil {
		return 0, 0, fmt.Errorf("count by source %s: %w", source, err)
	}
	return ne, nt, nil
}

func (s *PostgresStore) QueryEntries(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Entry, error) {
	where, args := query.ToSQL(q, entryFilterColumns)
	args = append(args, effectiveLimit(limit))
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, type, sgv, delta, direction, noise, date_ms, date_string, device, source
		 FROM entries WHERE %s ORDER BY date_ms DESC, id LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) QueryTreatments(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Treatment, error) {
	where, args := query.ToSQL(q, treatmentFilterColumns)
	args = append(args, effectiveLimit(limit))
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, event_type, date_ms, created_at,
		        insulin::TEXT, carbs, rate::TEXT, absolute::TEXT,
		        duration, notes, entered_by, source
		 FROM treatments WHERE %s ORDER BY date_ms DESC, id LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("query treatments: %w", err)
	}
	defer rows.Close()

	return scanTreatments(rows)
}

func (s *PostgresStore) LatestEntry(ctx context.Context) (*model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, sgv, delta, direction, noise, date_ms, date_string, device, source
		 FROM entries ORDER BY date_ms DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEntries(rows pgxRows) ([]model.Entry, error) {
	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var direction string
		if err := rows.Scan(&e.ID, &e.Type, &e.SGV, &e.Delta, &direction, &e.Noise,
			&e.Date, &e.DateString, &e.Device, &e.Source); err != nil {
			return nil, err
		}
		e.Direction = model.Direction(direction)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanTreatments(rows pgxRows) ([]model.Treatment, error) {
	var treatments []model.Treatment
	for rows.Next() {
		var t model.Treatment
		var insulinS, rateS, absoluteS string
		if err := rows.Scan(&t.ID, &t.EventType, &t.Date, &t.CreatedAt,
			&insulinS, &t.Carbs, &rateS, &absoluteS,
			&t.Duration, &t.Notes, &t.EnteredBy, &t.Source); err != nil {
			return nil, err
		}
		t.Insulin, _ = decimal.NewFromString(insulinS)
		t.Rate, _ = decimal.NewFromString(rateS)
		t.Absolute, _ = decimal.NewFromString(absoluteS)
		treatments = append(treatments, t)
	}
	return treatments, rows.Err()
}

// numeric converts a decimal into pgx's NUMERIC representation without
// going through float64.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
