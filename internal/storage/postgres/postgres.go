// Package postgres implementa storage.Orm sobre PostgreSQL usando pgx.
// Las Conds del contrato se compilan a SQL parametrizado; el esquema mínimo
// debe existir (ver Schema()).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ pool *pgxpool.Pool }

// New crea un Store con un pool pgx a partir del DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if pcfg.MaxConns == 0 {
		pcfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool envuelve un pool existente (tests/integración).
func NewWithPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Pool expone el pool interno para usos avanzados (metrics/migraciones).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close cierra el pool subyacente (idempotente).
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) FindFirst(ctx context.Context, table string, q storage.Query) (storage.Row, error) {
	q.Limit = 1
	rows, err := s.FindMany(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return rows[0], nil
}

func (s *Store) FindMany(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT * FROM %s", table)
	appendWhere(&sb, &args, q.Where)
	appendOrder(&sb, q.OrderBy)
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) Create(ctx context.Context, table string, data storage.Row) (storage.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	row := make(storage.Row, len(data)+2)
	for k, v := range data {
		row[k] = v
	}
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if row.IsNull("created_at") {
		row["created_at"] = time.Now().UTC()
	}

	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var sb strings.Builder
	args := make([]any, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	for i, c := range cols {
		args = append(args, row[c])
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	out, err := collect(rows)
	if err != nil {
		return nil, mapPgErr(err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres: insert into %s returned no row", table)
	}
	return out[0], nil
}

func (s *Store) UpdateMany(ctx context.Context, table string, q storage.Query, set storage.Row) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, nil
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "UPDATE %s SET ", table)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		args = append(args, set[c])
		fmt.Fprintf(&sb, "%s = $%d", c, len(args))
	}
	appendWhere(&sb, &args, q.Where)
	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteMany(ctx context.Context, table string, q storage.Query) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "DELETE FROM %s", table)
	appendWhere(&sb, &args, q.Where)
	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Count(ctx context.Context, table string, q storage.Query) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT COUNT(*) FROM %s", table)
	appendWhere(&sb, &args, q.Where)
	var n int64
	if err := s.pool.QueryRow(ctx, sb.String(), args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ---- compilación de Conds ----

func appendWhere(sb *strings.Builder, args *[]any, c *storage.Cond) {
	if c == nil {
		return
	}
	sb.WriteString(" WHERE ")
	compileCond(sb, args, c)
}

func compileCond(sb *strings.Builder, args *[]any, c *storage.Cond) {
	switch {
	case c.IsAnd(), c.IsOr():
		sep := " AND "
		if c.IsOr() {
			sep = " OR "
		}
		if len(c.Parts) == 0 {
			sb.WriteString("TRUE")
			return
		}
		sb.WriteString("(")
		for i, p := range c.Parts {
			if i > 0 {
				sb.WriteString(sep)
			}
			compileCond(sb, args, p)
		}
		sb.WriteString(")")
	default:
		col := sanitizeIdent(c.Col)
		switch c.Op {
		case storage.OpIsNull:
			fmt.Fprintf(sb, "%s IS NULL", col)
		case storage.OpNe:
			if c.Val == nil {
				fmt.Fprintf(sb, "%s IS NOT NULL", col)
				return
			}
			*args = append(*args, c.Val)
			fmt.Fprintf(sb, "%s <> $%d", col, len(*args))
		case storage.OpIn:
			vals, _ := c.Val.([]any)
			if len(vals) == 0 {
				sb.WriteString("FALSE")
				return
			}
			ph := make([]string, len(vals))
			for i, v := range vals {
				*args = append(*args, v)
				ph[i] = fmt.Sprintf("$%d", len(*args))
			}
			fmt.Fprintf(sb, "%s IN (%s)", col, strings.Join(ph, ", "))
		default:
			*args = append(*args, c.Val)
			fmt.Fprintf(sb, "%s %s $%d", col, sqlOp(c.Op), len(*args))
		}
	}
}

func sqlOp(op storage.Op) string {
	switch op {
	case storage.OpEq:
		return "="
	case storage.OpLt:
		return "<"
	case storage.OpLte:
		return "<="
	case storage.OpGt:
		return ">"
	case storage.OpGte:
		return ">="
	}
	return "="
}

func appendOrder(sb *strings.Builder, orders []storage.Order) {
	if len(orders) == 0 {
		return
	}
	sb.WriteString(" ORDER BY ")
	for i, o := range orders {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(sanitizeIdent(o.Col))
		if o.Desc {
			sb.WriteString(" DESC")
		}
	}
}

var allowedTables = func() map[string]struct{} {
	m := map[string]struct{}{}
	for _, t := range storage.Tables() {
		m[t] = struct{}{}
	}
	return m
}()

func checkTable(table string) error {
	if _, ok := allowedTables[table]; !ok {
		return storage.ErrUnknownTable
	}
	return nil
}

// sanitizeIdent deja pasar solo identificadores simples; cualquier otra cosa
// se reduce a sus caracteres válidos. Los nombres de columna del core son
// constantes, esto es un guardrail contra config dinámica.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return storage.ErrConflict
	}
	return err
}

func collect(rows pgx.Rows) ([]storage.Row, error) {
	fields := rows.FieldDescriptions()
	var out []storage.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := make(storage.Row, len(fields))
		for i, f := range fields {
			r[string(f.Name)] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
