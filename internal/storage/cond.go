package storage

// Cond es el builder de condiciones del contrato Orm. Una Cond es una hoja
// (columna, operador, valor) o una composición And/Or de otras Conds.
type Cond struct {
	kind  condKind
	Col   string
	Op    Op
	Val   any
	Parts []*Cond
}

type condKind int

const (
	kindLeaf condKind = iota
	kindAnd
	kindOr
)

// Op es el operador de comparación de una hoja.
type Op string

const (
	OpEq     Op = "="
	OpNe     Op = "!="
	OpLt     Op = "<"
	OpLte    Op = "<="
	OpGt     Op = ">"
	OpGte    Op = ">="
	OpIn     Op = "in"
	OpIsNull Op = "is_null"
)

func leaf(col string, op Op, v any) *Cond { return &Cond{kind: kindLeaf, Col: col, Op: op, Val: v} }

func Eq(col string, v any) *Cond  { return leaf(col, OpEq, v) }
func Ne(col string, v any) *Cond  { return leaf(col, OpNe, v) }
func Lt(col string, v any) *Cond  { return leaf(col, OpLt, v) }
func Lte(col string, v any) *Cond { return leaf(col, OpLte, v) }
func Gt(col string, v any) *Cond  { return leaf(col, OpGt, v) }
func Gte(col string, v any) *Cond { return leaf(col, OpGte, v) }

// In matchea si el valor de la columna está en vals.
func In(col string, vals ...any) *Cond { return leaf(col, OpIn, vals) }

// IsNull matchea columnas ausentes o nil.
func IsNull(col string) *Cond { return leaf(col, OpIsNull, nil) }

// NotNull es el negado de IsNull.
func NotNull(col string) *Cond { return leaf(col, OpNe, nil) }

func And(parts ...*Cond) *Cond { return &Cond{kind: kindAnd, Parts: parts} }
func Or(parts ...*Cond) *Cond  { return &Cond{kind: kindOr, Parts: parts} }

// IsLeaf reporta si la Cond es una hoja (para adapters).
func (c *Cond) IsLeaf() bool { return c != nil && c.kind == kindLeaf }

// IsAnd reporta si la Cond es una conjunción.
func (c *Cond) IsAnd() bool { return c != nil && c.kind == kindAnd }

// IsOr reporta si la Cond es una disyunción.
func (c *Cond) IsOr() bool { return c != nil && c.kind == kindOr }
