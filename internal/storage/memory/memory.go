// Package memory implementa storage.Orm sobre maps en memoria.
// Útil para desarrollo y testing; también es la implementación de referencia
// de la semántica del contrato (unique indexes, updates atómicos por fila).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/google/uuid"
)

type uniqueIndex struct {
	table string
	cols  []string
}

// Store implementa storage.Orm. Todas las operaciones toman el mutex, por lo
// que cada llamada es atómica respecto a las demás.
type Store struct {
	mu      sync.RWMutex
	tables  map[string][]storage.Row
	uniques []uniqueIndex
}

// Option configura el Store.
type Option func(*Store)

// WithUniqueIndex declara un unique constraint sobre (cols...) en table.
// Create devuelve storage.ErrConflict ante una violación.
func WithUniqueIndex(table string, cols ...string) Option {
	return func(s *Store) {
		s.uniques = append(s.uniques, uniqueIndex{table: table, cols: cols})
	}
}

// New crea un Store con el esquema mínimo precargado y el unique de
// identities(provider, identifier) que exige el contrato.
func New(opts ...Option) *Store {
	s := &Store{tables: map[string][]storage.Row{}}
	for _, t := range storage.Tables() {
		s.tables[t] = nil
	}
	s.uniques = []uniqueIndex{
		{table: storage.TableIdentities, cols: []string{"provider", "identifier"}},
		{table: storage.TableMCPServers, cols: []string{"server_id"}},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) rows(table string) ([]storage.Row, bool) {
	rs, ok := s.tables[table]
	return rs, ok
}

func (s *Store) FindFirst(ctx context.Context, table string, q storage.Query) (storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rows(table)
	if !ok {
		return nil, storage.ErrUnknownTable
	}
	matched := filter(rs, q.Where)
	if len(matched) == 0 {
		return nil, storage.ErrNotFound
	}
	orderRows(matched, q.OrderBy)
	return clone(matched[0]), nil
}

func (s *Store) FindMany(ctx context.Context, table string, q storage.Query) ([]storage.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rows(table)
	if !ok {
		return nil, storage.ErrUnknownTable
	}
	matched := filter(rs, q.Where)
	orderRows(matched, q.OrderBy)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]storage.Row, len(matched))
	for i, r := range matched {
		out[i] = clone(r)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, table string, data storage.Row) (storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rows(table)
	if !ok {
		return nil, storage.ErrUnknownTable
	}
	row := clone(data)
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if row.IsNull("created_at") {
		row["created_at"] = time.Now().UTC()
	}
	for _, u := range s.uniques {
		if u.table != table {
			continue
		}
		for _, existing := range rs {
			same := true
			for _, col := range u.cols {
				if !equal(existing[col], row[col]) {
					same = false
					break
				}
			}
			if same {
				return nil, storage.ErrConflict
			}
		}
	}
	s.tables[table] = append(rs, row)
	return clone(row), nil
}

func (s *Store) UpdateMany(ctx context.Context, table string, q storage.Query, set storage.Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rows(table)
	if !ok {
		return 0, storage.ErrUnknownTable
	}
	var n int64
	for _, r := range rs {
		if matches(r, q.Where) {
			for k, v := range set {
				r[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteMany(ctx context.Context, table string, q storage.Query) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rows(table)
	if !ok {
		return 0, storage.ErrUnknownTable
	}
	kept := rs[:0]
	var n int64
	for _, r := range rs {
		if matches(r, q.Where) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	return n, nil
}

func (s *Store) Count(ctx context.Context, table string, q storage.Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rows(table)
	if !ok {
		return 0, storage.ErrUnknownTable
	}
	return int64(len(filter(rs, q.Where))), nil
}

// ---- evaluación de condiciones ----

func filter(rs []storage.Row, c *storage.Cond) []storage.Row {
	var out []storage.Row
	for _, r := range rs {
		if matches(r, c) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r storage.Row, c *storage.Cond) bool {
	if c == nil {
		return true
	}
	switch {
	case c.IsAnd():
		for _, p := range c.Parts {
			if !matches(r, p) {
				return false
			}
		}
		return true
	case c.IsOr():
		for _, p := range c.Parts {
			if matches(r, p) {
				return true
			}
		}
		return len(c.Parts) == 0
	}
	v, present := r[c.Col]
	switch c.Op {
	case storage.OpIsNull:
		return !present || v == nil
	case storage.OpEq:
		return equal(v, c.Val)
	case storage.OpNe:
		return !equal(v, c.Val)
	case storage.OpIn:
		vals, _ := c.Val.([]any)
		for _, want := range vals {
			if equal(v, want) {
				return true
			}
		}
		return false
	case storage.OpLt, storage.OpLte, storage.OpGt, storage.OpGte:
		cmp, ok := compare(v, c.Val)
		if !ok {
			return false
		}
		switch c.Op {
		case storage.OpLt:
			return cmp < 0
		case storage.OpLte:
			return cmp <= 0
		case storage.OpGt:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return a == b
}

// compare normaliza numéricos y tiempos. ok=false para tipos no comparables.
func compare(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case sa < sb:
			return -1, true
		case sa > sb:
			return 1, true
		default:
			return 0, true
		}
	}
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if !oka || !okb {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func orderRows(rs []storage.Row, orders []storage.Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rs, func(i, j int) bool {
		for _, o := range orders {
			cmp, ok := compare(rs[i][o.Col], rs[j][o.Col])
			if !ok || cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func clone(r storage.Row) storage.Row {
	out := make(storage.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
