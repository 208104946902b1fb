package apriori

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apriori17 = `""" Encode any known changes to the database here
to help the matching process
"""

# Renamed OpenERP modules, used in openupgrade_framework
renamed_modules = {
    # OCA/sale-workflow
    "sale_order_type": "sale_order_kind",
    "website_sale_old": "website_sale_new",
}

# Merged modules contain a mapping from old module names to other,
# preexisting module names
merged_modules = {
    "account_edi_ubl": "account_edi_ubl_cii",
    "sale_" "concat": "sale",
}

# only used here for upgrade_analysis
renamed_models = {}
`

const apriori12 = `
renamed_modules = {'base_old': 'base_new'}
merged_modules = [
    ('payment_a', 'payment'),
]
`

func TestURLFor(t *testing.T) {
	tests := []struct {
		version string
		want    string
		wantErr bool
	}{
		{"9.0", "", true},
		{"8", "", true},
		{"10.0", "https://github.com/OCA/OpenUpgrade/raw/refs/heads/10.0/odoo/addons/openupgrade_records/lib/apriori.py", false},
		{"13", "https://github.com/OCA/OpenUpgrade/raw/refs/heads/13.0/odoo/addons/openupgrade_records/lib/apriori.py", false},
		{"14.0", "https://github.com/oca/OpenUpgrade/raw/refs/heads/14.0/openupgrade_scripts/apriori.py", false},
		{"18.0", "https://github.com/oca/OpenUpgrade/raw/refs/heads/18.0/openupgrade_scripts/apriori.py", false},
	}
	for _, tt := range tests {
		got, err := URLFor(tt.version)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedVersion, tt.version)
			continue
		}
		require.NoError(t, err, tt.version)
		assert.Equal(t, tt.want, got)
	}
}

func TestImport_AndLookups(t *testing.T) {
	store := newStore(t)
	im := &Importer{
		Fetcher: fakeFetcher{
			mustURL(t, "17.0"): apriori17,
			mustURL(t, "12.0"): apriori12,
		},
		Store: store,
	}

	results, err := im.Import(context.Background(), []string{"9.0", "12", "17.0"})
	require.NoError(t, err)
	assert.Equal(t, []ImportResult{
		{Version: "12.0", Renamed: 1, Merged: 1},
		{Version: "17.0", Renamed: 2, Merged: 2},
	}, results)

	ctx := context.Background()
	tables, err := store.ForVersion(ctx, "17", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"sale_order_type":  "sale_order_kind",
		"website_sale_old": "website_sale_new",
	}, tables.RenamedModules)
	assert.Equal(t, "sale", tables.MergedModules["sale_concat"])

	onlyMerged, err := store.ForVersion(ctx, "12.0", TableMerged, nil)
	require.NoError(t, err)
	assert.Nil(t, onlyMerged.RenamedModules)
	assert.Equal(t, map[string]string{"payment_a": "payment"}, onlyMerged.MergedModules)

	hist, err := store.ForModule(ctx, "sale_order_type", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"17.0": "sale_order_kind"}, hist.RenamedModules)
	assert.Empty(t, hist.MergedModules)

	_, err = store.ForVersion(ctx, "17.0", "bogus", nil)
	assert.Error(t, err)
}

func TestImport_Reimport(t *testing.T) {
	store := newStore(t)
	fetcher := fakeFetcher{mustURL(t, "17.0"): apriori17}
	im := &Importer{Fetcher: fetcher, Store: store}

	_, err := im.Import(context.Background(), []string{"17.0"})
	require.NoError(t, err)
	fetcher[mustURL(t, "17.0")] = `renamed_modules = {"only": "one"}`
	_, err = im.Import(context.Background(), []string{"17.0"})
	require.NoError(t, err)

	tables, err := store.ForVersion(context.Background(), "17.0", "", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"only": "one"}, tables.RenamedModules)
	assert.Empty(t, tables.MergedModules)
}

func TestImport_FetchError(t *testing.T) {
	im := &Importer{Fetcher: fakeFetcher{}, Store: newStore(t)}
	_, err := im.Import(context.Background(), []string{"17.0"})
	assert.Error(t, err)
}

func TestOverlay(t *testing.T) {
	csvData := strings.Join([]string{
		"module_name,repo,raw_version,status,detail,references",
		"web_old,odoo,17,not needed anymore,merged in web,https://example.com/pr/1",
		"sale_extra,OCA/sale-workflow,17.0,moved to different repo,OCA/sale-reporting,",
		"sale_extra,OCA/sale-workflow,16.0,not needed anymore,core,",
		"short,row",
	}, "\n")
	o, err := ReadOverlay(strings.NewReader(csvData))
	require.NoError(t, err)
	require.Len(t, o.Entries, 4)

	store := newStore(t)
	tables, err := store.ForVersion(context.Background(), "17.0", "", o)
	require.NoError(t, err)
	assert.Equal(t, map[string]NotNeeded{
		"web_old": {Detail: "merged in web", References: "https://example.com/pr/1"},
	}, tables.NotNeeded)
	assert.Equal(t, map[string]string{"sale_extra": "OCA/sale-reporting"}, tables.MovedModules)

	hist, err := store.ForModule(context.Background(), "sale_extra", "", o)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"16.0": "odoo"}, hist.NotNeeded)
	assert.Equal(t, map[string]string{"17.0": "OCA/sale-reporting"}, hist.MovedModules)
}

func TestLoadOverlay_Missing(t *testing.T) {
	o, err := LoadOverlay(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = LoadOverlay("")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestOpen_NotImported(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "apriori.db"))
	assert.ErrorIs(t, err, ErrNotImported)
}

func TestCollyFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apriori.py":
			fmt.Fprint(w, apriori12)
		case "/moved":
			http.Redirect(w, r, "/apriori.py", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := CollyFetcher{}
	body, err := f.Get(context.Background(), srv.URL+"/apriori.py")
	require.NoError(t, err)
	assert.Equal(t, apriori12, string(body))

	body, err = f.Get(context.Background(), srv.URL+"/moved")
	require.NoError(t, err)
	assert.Equal(t, apriori12, string(body))

	_, err = f.Get(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestDownload(t *testing.T) {
	im := &Importer{Fetcher: fakeFetcher{"https://example.com/doc.csv": "a,b\n"}}
	path := filepath.Join(t.TempDir(), "docs", "doc.csv")

	require.NoError(t, im.Download(context.Background(), "https://example.com/doc.csv", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
}

// --- helpers ---

type fakeFetcher map[string]string

func (f fakeFetcher) Get(_ context.Context, url string) ([]byte, error) {
	body, ok := f[url]
	if !ok {
		return nil, fmt.Errorf("404: %s", url)
	}
	return []byte(body), nil
}

func mustURL(t *testing.T, version string) string {
	t.Helper()
	u, err := URLFor(version)
	require.NoError(t, err)
	return u
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Create(filepath.Join(t.TempDir(), "apriori.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
