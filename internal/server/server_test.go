package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dejo1307/oupgrade/internal/apriori"
	"github.com/dejo1307/oupgrade/internal/changes"
	"github.com/dejo1307/oupgrade/internal/config"
	"github.com/dejo1307/oupgrade/internal/metrics"
)

func TestChanges_Filters(t *testing.T) {
	srv := newTestServer(t)
	seedStore(t, srv.cfg, "17.0",
		rec("17.0.1.0", "sale", changes.CategoryField, "sale.order", "", "a"),
		rec("17.0.1.2", "sale", changes.CategoryField, "sale.order", "", "b"),
		rec("17.0.1.1", "base", changes.CategoryXMLRecord, "", "res.partner", "c"),
		rec("17.0.2.0", "mail", changes.CategoryModel, "mail.thread", "", "d"),
	)
	h := srv.Handler()

	tests := []struct {
		name  string
		query string
		want  []string // raw lines, in order
	}{
		{"all newest first", "", []string{"d", "b", "c", "a"}},
		{"module", "module=sale", []string{"b", "a"}},
		{"model matches record model", "model=res.partner", []string{"c"}},
		{"version prefix", "version=17.0.1", []string{"b", "c", "a"}},
		{"combined", "module=sale&version=17.0.1.2", []string{"b"}},
		{"no match", "module=nope", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, h, "/17.0/changes?"+tt.query)
			require.Equal(t, http.StatusOK, rr.Code)

			var recs []changes.ChangeRecord
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
			got := []string{}
			for _, r := range recs {
				got = append(got, r.RawLine)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChanges_Errors(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rr := get(t, h, "/16.0/changes")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "oupgrade parse --versions 16.0")

	rr = get(t, h, "/abc/changes")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHeaders(t *testing.T) {
	srv := newTestServer(t)
	rr := get(t, srv.Handler(), "/healthz")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", rr.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "http://example.test", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, AppName, rr.Header().Get("X-Application-Name"))
}

func TestUpgradeInfo(t *testing.T) {
	srv := newTestServer(t)
	seedStore(t, srv.cfg, "17.0",
		rec("17.0.1.0", "sale", changes.CategoryField, "sale.order", "", "a"),
		rec("17.0.1.0", "sale", changes.CategoryXMLRecord, "", "ir.ui.view", "b"),
		rec("17.0.1.0", "sale", changes.CategoryField, "sale.order", "", "c"),
	)
	seedStore(t, srv.cfg, "16.0",
		rec("16.0.1.0", "base", changes.CategoryModel, "res.partner", "", "a"),
	)
	// Not a store.
	require.NoError(t, os.WriteFile(filepath.Join(srv.cfg.DB.Dir, "apriori.db"), nil, 0o644))

	rr := get(t, srv.Handler(), "/upgrade_info")
	require.Equal(t, http.StatusOK, rr.Code)

	var info map[string][]ModuleModels
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, map[string][]ModuleModels{
		"16.0": {{Module: "base", AllModels: "res.partner"}},
		"17.0": {{Module: "sale", AllModels: "ir.ui.view, sale.order"}},
	}, info)
}

func TestApriori(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rr := get(t, h, "/apriori/17.0/modules")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	store, err := apriori.Create(srv.cfg.AprioriPath())
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "17.0",
		map[string]string{"old_mod": "new_mod"}, map[string]string{"merged_mod": "base"}))
	require.NoError(t, store.Close())

	rr = get(t, h, "/apriori/17/modules?table=renamed_modules")
	require.Equal(t, http.StatusOK, rr.Code)
	var tables apriori.Tables
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tables))
	assert.Equal(t, "17.0", tables.Version)
	assert.Equal(t, map[string]string{"old_mod": "new_mod"}, tables.RenamedModules)
	assert.Nil(t, tables.MergedModules)

	rr = get(t, h, "/apriori?module=merged_mod")
	require.Equal(t, http.StatusOK, rr.Code)
	var hist apriori.ModuleHistory
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hist))
	assert.Equal(t, map[string]string{"17.0": "base"}, hist.MergedModules)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/apriori").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/apriori/17.0/modules?table=nope").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	get(t, h, "/16.0/changes")

	rr := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(),
		`oupgrade_queries_total{code="404",route="GET /{version}/changes"} 1`), rr.Body.String())
}

func TestStoreCache_Evicts(t *testing.T) {
	srv := newTestServer(t)
	for _, v := range []string{"15.0", "16.0", "17.0"} {
		seedStore(t, srv.cfg, v, rec(v+".1.0", "base", changes.CategoryModel, "m", "", "x"))
	}
	cache, err := newStoreCache(2, srv.cfg.StorePath)
	require.NoError(t, err)
	defer cache.close()

	for _, v := range []string{"15.0", "16.0", "17.0"} {
		_, release, err := cache.acquire(v)
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 2, cache.cache.Len())
	assert.False(t, cache.cache.Contains("15.0"))

	again, release, err := cache.acquire("15.0")
	require.NoError(t, err)
	defer release()
	n, err := again.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreCache_EvictedStoreStaysOpenUntilReleased(t *testing.T) {
	srv := newTestServer(t)
	seedStore(t, srv.cfg, "16.0", rec("16.0.1.0", "base", changes.CategoryModel, "m", "", "x"))
	seedStore(t, srv.cfg, "17.0", rec("17.0.1.0", "base", changes.CategoryModel, "m", "", "y"))
	cache, err := newStoreCache(1, srv.cfg.StorePath)
	require.NoError(t, err)
	defer cache.close()
	ctx := context.Background()

	old, releaseOld, err := cache.acquire("16.0")
	require.NoError(t, err)
	_, releaseNew, err := cache.acquire("17.0")
	require.NoError(t, err)
	defer releaseNew()

	// 16.0 left the cache but its handle is still held.
	recs, err := old.Query(ctx, changes.QueryOpts{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	releaseOld()
	releaseOld()
	_, err = old.Count(ctx)
	assert.Error(t, err, "closed after the last release")
}

func TestStoreCache_ConcurrentQueries(t *testing.T) {
	srv := newTestServer(t)
	versions := []string{"15.0", "16.0", "17.0"}
	for _, v := range versions {
		seedStore(t, srv.cfg, v, rec(v+".1.0", "base", changes.CategoryModel, "m", "", "x"))
	}
	cache, err := newStoreCache(1, srv.cfg.StorePath)
	require.NoError(t, err)
	defer cache.close()

	var wg sync.WaitGroup
	errs := make(chan error, 60)
	for i := range 60 {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			store, release, err := cache.acquire(v)
			if err != nil {
				errs <- err
				return
			}
			defer release()
			if _, err := store.Query(context.Background(), changes.QueryOpts{}); err != nil {
				errs <- err
			}
		}(versions[i%len(versions)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMCP_Tools(t *testing.T) {
	srv := newTestServer(t)
	seedStore(t, srv.cfg, "17.0",
		rec("17.0.1.0", "sale", changes.CategoryField, "sale.order", "", "a"),
		rec("17.0.1.1", "sale", changes.CategoryField, "sale.order", "", "b"),
	)

	session := connect(t, srv)
	ctx := context.Background()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"query_changes", "upgrade_info", "apriori_lookup"}, names)

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "query_changes",
		Arguments: map[string]any{"version": "17", "module": "sale", "limit": 1},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	text := res.Content[0].(*mcp.TextContent).Text
	assert.Contains(t, text, "1 of 2 matching changes")
	assert.Contains(t, text, `"raw_line": "b"`)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "query_changes",
		Arguments: map[string]any{"version": "15.0"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "upgrade_info",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, `"all_models": "sale.order"`)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "apriori_lookup",
		Arguments: map[string]any{"version": "17.0"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

// --- helpers ---

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DB.Dir = t.TempDir()
	cfg.Server.CORSAllow = "http://example.test"

	srv, err := New(cfg, metrics.New())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func seedStore(t *testing.T, cfg *config.Config, version string, recs ...changes.ChangeRecord) {
	t.Helper()
	store, err := changes.Create(cfg.StorePath(version))
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Replace(context.Background(), recs)
	require.NoError(t, err)
}

func rec(version, module string, cat changes.Category, model, recordModel, raw string) changes.ChangeRecord {
	r := changes.ChangeRecord{
		Version:    version,
		Module:     module,
		Category:   cat,
		ChangeType: changes.TypeNew,
		RawLine:    raw,
	}
	if model != "" {
		r.ModelName = changes.Str(model)
	}
	if recordModel != "" {
		r.RecordModel = changes.Str(recordModel)
	}
	return r
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func connect(t *testing.T, srv *Server) *mcp.ClientSession {
	t.Helper()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.RunWithTransport(ctx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		<-serverDone
	})
	return session
}
