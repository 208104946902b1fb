// Package script statically scans pre-migration Python snippets for field
// rename declarations. Snippets are parsed with tree-sitter into a small
// expression model and never executed.
package script

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dejo1307/oupgrade/internal/changes"

	sitter "github.com/tree-sitter/go-tree-sitter"
	python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

// FileName is the snippet file scanned for field renames.
const FileName = "pre-migration.py"

var (
	// ErrSyntax is returned when a snippet does not parse.
	ErrSyntax = errors.New("snippet syntax error")
	// ErrUnsupportedShape is reported for rename rows wider than
	// (model, table, old, new).
	ErrUnsupportedShape = errors.New("unsupported rename row shape")
)

// Assignment binds one or more names to a value (a = b = value).
type Assignment struct {
	Names []string
	Value Expr
	Line  int
}

// File is the expression model of one snippet.
type File struct {
	Assignments []Assignment
	Calls       []Call // source order, outer calls before nested ones
}

// Parse builds the expression model of src. A snippet containing syntax
// errors yields ErrSyntax, and so do Python 2 print and exec statements.
func Parse(src []byte) (*File, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	if err := parser.SetLanguage(sitter.NewLanguage(python.Language())); err != nil {
		return nil, fmt.Errorf("loading python grammar: %w", err)
	}

	tree := parser.Parse(src, nil)
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%w near line %d", ErrSyntax, firstErrorLine(root))
	}
	if stmt := python2Statement(root); stmt != nil {
		return nil, fmt.Errorf("%w: python 2 %s near line %d", ErrSyntax,
			strings.TrimSuffix(stmt.Kind(), "_statement"), stmt.StartPosition().Row+1)
	}

	b := &builder{src: src}
	f := &File{}
	b.walk(root, f)
	return f, nil
}

// Scanner recognizes <Namespace>.<Func>(<model-arg>, <list-expr>) calls.
type Scanner struct {
	Namespace string
	Func      string
}

// New creates a Scanner for openupgrade.rename_fields.
func New() *Scanner {
	return &Scanner{Namespace: "openupgrade", Func: "rename_fields"}
}

// Scan returns the rename tuples declared by src, in call order. On a syntax
// error it returns no tuples and ErrSyntax. Rows with an unsupported shape are
// skipped and reported through the joined error alongside the valid tuples.
func (s *Scanner) Scan(src []byte) ([]changes.RenameTuple, error) {
	f, err := Parse(src)
	if err != nil {
		return nil, err
	}

	// Pass 1: name -> literal rows. Later assignments win.
	binds := bindings{}
	for _, a := range f.Assignments {
		list, ok := a.Value.(ListLit)
		if !ok {
			continue
		}
		rows, rowErrs := rowsOf(list)
		if len(rows) == 0 && len(rowErrs) == 0 {
			continue
		}
		for _, name := range a.Names {
			binds[name] = binding{rows: rows, errs: rowErrs}
		}
	}

	// Pass 2: recognized calls, second positional argument only.
	var (
		result []changes.RenameTuple
		errs   []error
	)
	for _, c := range f.Calls {
		if c.Namespace != s.Namespace || c.Func != s.Func || len(c.Args) < 2 {
			continue
		}
		tuples, callErrs := binds.resolve(c.Args[1])
		result = append(result, tuples...)
		errs = append(errs, callErrs...)
	}
	return result, errors.Join(dedupErrors(errs)...)
}

// ScanFile reads and scans a snippet file.
func (s *Scanner) ScanFile(path string) ([]changes.RenameTuple, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	tuples, err := s.Scan(src)
	if err != nil {
		return tuples, fmt.Errorf("%s: %w", path, err)
	}
	return tuples, nil
}

// Scan scans src with the default scanner.
func Scan(src []byte) ([]changes.RenameTuple, error) {
	return New().Scan(src)
}

// Dicts returns every name bound to a string mapping: a dict display, or a
// list of two-element rows. Entries that are not string constants are
// dropped.
func Dicts(src []byte) (map[string]map[string]string, error) {
	f, err := Parse(src)
	if err != nil {
		return nil, err
	}
	result := make(map[string]map[string]string)
	for _, a := range f.Assignments {
		m, ok := stringMap(a.Value)
		if !ok {
			continue
		}
		for _, name := range a.Names {
			result[name] = m
		}
	}
	return result, nil
}

func stringMap(e Expr) (map[string]string, bool) {
	m := make(map[string]string)
	switch v := e.(type) {
	case DictLit:
		for i, k := range v.Keys {
			key, ok1 := k.(StrLit)
			val, ok2 := v.Values[i].(StrLit)
			if ok1 && ok2 {
				m[key.Value] = val.Value
			}
		}
	case ListLit:
		for _, elem := range v.Elems {
			row, ok := elem.(ListLit)
			if !ok || len(row.Elems) != 2 {
				return nil, false
			}
			key, ok1 := row.Elems[0].(StrLit)
			val, ok2 := row.Elems[1].(StrLit)
			if ok1 && ok2 {
				m[key.Value] = val.Value
			}
		}
	default:
		return nil, false
	}
	return m, true
}

// DictLit is a dict display. Keys and Values are parallel.
type DictLit struct {
	Keys   []Expr
	Values []Expr
}

func (DictLit) exprNode() {}

// dedupErrors drops repeated messages, which happen when a list with a bad
// row is passed to several calls.
func dedupErrors(errs []error) []error {
	seen := make(map[string]struct{}, len(errs))
	var out []error
	for _, e := range errs {
		if _, ok := seen[e.Error()]; ok {
			continue
		}
		seen[e.Error()] = struct{}{}
		out = append(out, e)
	}
	return out
}

// builder converts tree-sitter nodes into Expr values.
type builder struct {
	src []byte
}

// walk collects assignments and calls in pre-order.
func (b *builder) walk(node *sitter.Node, f *File) {
	switch node.Kind() {
	case "assignment":
		if a, ok := b.assignment(node); ok {
			f.Assignments = append(f.Assignments, a)
		}
	case "call":
		if c, ok := b.build(node).(Call); ok {
			f.Calls = append(f.Calls, c)
		}
	}
	for i := range node.ChildCount() {
		b.walk(node.Child(i), f)
	}
}

// assignment unrolls chained assignments into the target names and the final
// value. Non-identifier targets are ignored.
func (b *builder) assignment(node *sitter.Node) (Assignment, bool) {
	a := Assignment{Line: int(node.StartPosition().Row) + 1}
	for node != nil && node.Kind() == "assignment" {
		if left := node.ChildByFieldName("left"); left != nil && left.Kind() == "identifier" {
			a.Names = append(a.Names, b.text(left))
		}
		right := node.ChildByFieldName("right")
		if right == nil {
			return a, false
		}
		if right.Kind() != "assignment" {
			a.Value = b.build(right)
			break
		}
		node = right
	}
	return a, len(a.Names) > 0 && a.Value != nil
}

func (b *builder) build(node *sitter.Node) Expr {
	switch node.Kind() {
	case "string":
		if s, ok := decodeString(b.text(node)); ok {
			return StrLit{Value: s}
		}
	case "concatenated_string":
		var sb strings.Builder
		for _, part := range b.namedChildren(node) {
			s, ok := b.build(part).(StrLit)
			if !ok {
				return Unsupported{Kind: node.Kind()}
			}
			sb.WriteString(s.Value)
		}
		return StrLit{Value: sb.String()}
	case "list", "tuple", "expression_list":
		var list ListLit
		for _, child := range b.namedChildren(node) {
			list.Elems = append(list.Elems, b.build(child))
		}
		return list
	case "parenthesized_expression":
		if kids := b.namedChildren(node); len(kids) == 1 {
			return b.build(kids[0])
		}
	case "identifier":
		return NameRef{Name: b.text(node)}
	case "binary_operator":
		op := node.ChildByFieldName("operator")
		left, right := node.ChildByFieldName("left"), node.ChildByFieldName("right")
		if op != nil && op.Kind() == "+" && left != nil && right != nil {
			return Concat{Left: b.build(left), Right: b.build(right)}
		}
	case "dictionary":
		var d DictLit
		for _, pair := range b.namedChildren(node) {
			if pair.Kind() != "pair" {
				continue
			}
			k, v := pair.ChildByFieldName("key"), pair.ChildByFieldName("value")
			if k == nil || v == nil {
				continue
			}
			d.Keys = append(d.Keys, b.build(k))
			d.Values = append(d.Values, b.build(v))
		}
		return d
	case "call":
		return b.call(node)
	}
	return Unsupported{Kind: node.Kind()}
}

// call builds a Call for namespace.func(...) shapes.
func (b *builder) call(node *sitter.Node) Expr {
	fn := node.ChildByFieldName("function")
	if fn == nil || fn.Kind() != "attribute" {
		return Unsupported{Kind: "call"}
	}
	obj, attr := fn.ChildByFieldName("object"), fn.ChildByFieldName("attribute")
	if obj == nil || attr == nil || obj.Kind() != "identifier" {
		return Unsupported{Kind: "call"}
	}

	c := Call{
		Namespace: b.text(obj),
		Func:      b.text(attr),
		Line:      int(node.StartPosition().Row) + 1,
	}
	args := node.ChildByFieldName("arguments")
	if args == nil || args.Kind() != "argument_list" {
		return c
	}
	for _, arg := range b.namedChildren(args) {
		switch arg.Kind() {
		case "keyword_argument", "list_splat", "dictionary_splat":
			continue
		}
		c.Args = append(c.Args, b.build(arg))
	}
	return c
}

func (b *builder) namedChildren(node *sitter.Node) []*sitter.Node {
	var kids []*sitter.Node
	for i := range node.NamedChildCount() {
		child := node.NamedChild(i)
		if child.Kind() == "comment" {
			continue
		}
		kids = append(kids, child)
	}
	return kids
}

func (b *builder) text(node *sitter.Node) string {
	return string(b.src[node.StartByte():node.EndByte()])
}

// firstErrorLine returns the 1-based line of the first ERROR or MISSING node.
func firstErrorLine(node *sitter.Node) int {
	if node.IsError() || node.IsMissing() {
		return int(node.StartPosition().Row) + 1
	}
	for i := range node.ChildCount() {
		child := node.Child(i)
		if child.HasError() || child.IsMissing() {
			return firstErrorLine(child)
		}
	}
	return int(node.StartPosition().Row) + 1
}

// python2Statement returns the first print or exec statement under node.
// The grammar still accepts them but Python 3 does not.
func python2Statement(node *sitter.Node) *sitter.Node {
	switch node.Kind() {
	case "print_statement", "exec_statement":
		return node
	}
	for i := range node.NamedChildCount() {
		if found := python2Statement(node.NamedChild(i)); found != nil {
			return found
		}
	}
	return nil
}
