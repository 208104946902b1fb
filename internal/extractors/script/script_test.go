package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejo1307/oupgrade/internal/changes"
)

func tuple(model, oldField, newField string) changes.RenameTuple {
	return changes.RenameTuple{Model: model, OldField: oldField, NewField: newField}
}

func TestScan_InlineList(t *testing.T) {
	src := `
from openupgradelib import openupgrade

@openupgrade.migrate()
def migrate(env, version):
    openupgrade.rename_fields(env, [
        ("sale.order", "sale_order", "old_note", "note"),
        ("sale.order.line", "old_qty", "qty"),
    ])
`
	got, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{
		tuple("sale.order", "old_note", "note"),
		tuple("sale.order.line", "old_qty", "qty"),
	}, got)
}

func TestScan_NamedListAndConcat(t *testing.T) {
	src := `
from openupgradelib import openupgrade

_field_renames = [
    ("account.move", "account_move", "ref_old", "ref"),
]
_more = [["account.move", "x", "y"]]

@openupgrade.migrate()
def migrate(env, version):
    openupgrade.rename_fields(env, _field_renames + _more + _unknown)
`
	got, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{
		tuple("account.move", "ref_old", "ref"),
		tuple("account.move", "x", "y"),
	}, got)
}

func TestScan_LaterAssignmentWins(t *testing.T) {
	src := `
_renames = [("a.model", "f1", "f2")]
_renames = [("b.model", "g1", "g2")]
openupgrade.rename_fields(env, _renames)
`
	got, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("b.model", "g1", "g2")}, got)
}

func TestScan_ChainedAssignmentAndNesting(t *testing.T) {
	src := `
def migrate(env, version):
    if version:
        a = b = [("res.partner", "old", "new")]
        openupgrade.rename_fields(env, b)
`
	got, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("res.partner", "old", "new")}, got)
}

func TestScan_IgnoresOtherShapes(t *testing.T) {
	src := `
name = "sale.order"
openupgrade.rename_columns(env.cr, {"sale_order": [("a", "b")]})
openupgrade.rename_fields(env, [(name, "x", "y"), ("m", "a", "b"), ("too", "short")])
openupgrade.rename_fields(env)
other.rename_fields(env, [("m2", "c", "d")])
openupgrade.rename_fields(env, field_spec=[("m3", "e", "f")])
openupgrade.rename_fields(env, [(b"m4", "g", "h"), (f"m5", "i", "j")])
`
	got, err := Scan([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("m", "a", "b")}, got)
}

func TestScan_WideRowReported(t *testing.T) {
	src := `
_renames = [
    ("sale.order", "sale_order", "x", "old", "new"),
    ("sale.order", "sale_order", "old2", "new2"),
]
openupgrade.rename_fields(env, _renames)
openupgrade.rename_fields(env, _renames)
`
	got, err := Scan([]byte(src))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedShape))
	assert.Equal(t, []changes.RenameTuple{
		tuple("sale.order", "old2", "new2"),
		tuple("sale.order", "old2", "new2"),
	}, got)
}

func TestScan_SyntaxError(t *testing.T) {
	got, err := Scan([]byte("openupgrade.rename_fields(env, [(\"a\", \"b\", \"c\")]\ndef broken(:\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyntax))
	assert.Nil(t, got)
}

func TestScan_Python2StatementsRejected(t *testing.T) {
	for _, src := range []string{
		"print 'x'\nopenupgrade.rename_fields(env, [('m', 'a', 'b')])\n",
		"exec 'x = 1'\nopenupgrade.rename_fields(env, [('m', 'a', 'b')])\n",
	} {
		got, err := Scan([]byte(src))
		assert.ErrorIs(t, err, ErrSyntax, src)
		assert.Nil(t, got)
	}

	got, err := Scan([]byte("print('x')\nopenupgrade.rename_fields(env, [('m', 'a', 'b')])\n"))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("m", "a", "b")}, got)
}

func TestScanFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`openupgrade.rename_fields(env, [("m", "a", "b")])`), 0o644))

	got, err := New().ScanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("m", "a", "b")}, got)

	_, err = New().ScanFile(filepath.Join(dir, "missing.py"))
	assert.Error(t, err)
}

func TestScanner_CustomCall(t *testing.T) {
	s := &Scanner{Namespace: "openupgrade_merge", Func: "rename_fields"}
	got, err := s.Scan([]byte(`
openupgrade.rename_fields(env, [("m", "a", "b")])
openupgrade_merge.rename_fields(env, [("n", "c", "d")])
`))
	require.NoError(t, err)
	assert.Equal(t, []changes.RenameTuple{tuple("n", "c", "d")}, got)
}

func TestDicts(t *testing.T) {
	src := `
renamed_modules = {
    "account_old": "account_new",
    "web_" "legacy": "web",
    "skip": None,
}
merged_modules = [
    ("sale_a", "sale"),
    ("sale_b", "sale"),
]
other = 42
`
	got, err := Dicts([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"account_old": "account_new", "web_legacy": "web"}, got["renamed_modules"])
	assert.Equal(t, map[string]string{"sale_a": "sale", "sale_b": "sale"}, got["merged_modules"])
	assert.NotContains(t, got, "other")

	_, err = Dicts([]byte("x = {"))
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`'plain'`, "plain", true},
		{`"dq"`, "dq", true},
		{`'it\'s'`, "it's", true},
		{`"tab\there"`, "tab\there", true},
		{`'\x41é'`, "Aé", true},
		{`'\q'`, `\q`, true},
		{`'a\101'`, "aA", true},
		{`'\0'`, "\x00", true},
		{`'\1234'`, "S4", true},
		{`'\N{LATIN SMALL LETTER A}b'`, "ab", true},
		{`'\N{no such name}'`, `\N{no such name}`, true},
		{`'\N{'`, `\N{`, true},
		{`r'\n'`, `\n`, true},
		{`u'uni'`, "uni", true},
		{`'''triple'''`, "triple", true},
		{`b'bytes'`, "", false},
		{`f'{x}'`, "", false},
		{`'`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := decodeString(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
