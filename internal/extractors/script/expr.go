package script

import (
	"fmt"

	"github.com/dejo1307/oupgrade/internal/changes"
)

// Expr is the restricted expression language recognized in migration
// snippets. Anything outside it becomes Unsupported and resolves to nothing;
// nothing is ever evaluated.
type Expr interface {
	exprNode()
}

// StrLit is a string constant.
type StrLit struct {
	Value string
}

// ListLit is a list or tuple display.
type ListLit struct {
	Elems []Expr
}

// NameRef is a bare identifier.
type NameRef struct {
	Name string
}

// Concat is a binary "+" of two expressions.
type Concat struct {
	Left, Right Expr
}

// Call is a call of a dotted function, e.g. openupgrade.rename_fields(env, x).
// Only positional arguments are kept.
type Call struct {
	Namespace string
	Func      string
	Args      []Expr
	Line      int
}

// Unsupported stands in for any other syntax node.
type Unsupported struct {
	Kind string
}

func (StrLit) exprNode()      {}
func (ListLit) exprNode()     {}
func (NameRef) exprNode()     {}
func (Concat) exprNode()      {}
func (Call) exprNode()        {}
func (Unsupported) exprNode() {}

// maxRowWidth is the widest rename row understood: (model, table, old, new).
const maxRowWidth = 4

// rowsOf interprets a list literal as rename rows. Each row holding 3 or 4
// string constants yields (first, second to last, last). Wider rows are
// reported as ErrUnsupportedShape and skipped; other rows are ignored.
func rowsOf(list ListLit) ([]changes.RenameTuple, []error) {
	var (
		result []changes.RenameTuple
		errs   []error
	)
	for i, elem := range list.Elems {
		row, ok := elem.(ListLit)
		if !ok || len(row.Elems) < 3 {
			continue
		}
		model, ok1 := row.Elems[0].(StrLit)
		oldField, ok2 := row.Elems[len(row.Elems)-2].(StrLit)
		newField, ok3 := row.Elems[len(row.Elems)-1].(StrLit)
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		if len(row.Elems) > maxRowWidth {
			errs = append(errs, fmt.Errorf("%w: row %d of %q has %d elements",
				ErrUnsupportedShape, i, model.Value, len(row.Elems)))
			continue
		}
		result = append(result, changes.RenameTuple{
			Model:    model.Value,
			OldField: oldField.Value,
			NewField: newField.Value,
		})
	}
	return result, errs
}

// binding is the resolved value of an assigned list literal.
type binding struct {
	rows []changes.RenameTuple
	errs []error
}

// bindings maps identifiers to the rename rows of their literal value.
type bindings map[string]binding

// resolve evaluates e against b. Each side of a concatenation resolves on its
// own, so an unknown operand contributes nothing without discarding the other.
func (b bindings) resolve(e Expr) ([]changes.RenameTuple, []error) {
	switch e := e.(type) {
	case NameRef:
		bound := b[e.Name]
		return bound.rows, bound.errs
	case ListLit:
		return rowsOf(e)
	case Concat:
		left, lerrs := b.resolve(e.Left)
		right, rerrs := b.resolve(e.Right)
		combined := make([]changes.RenameTuple, 0, len(left)+len(right))
		combined = append(combined, left...)
		combined = append(combined, right...)
		return combined, append(lerrs, rerrs...)
	}
	return nil, nil
}
