package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dejo1307/oupgrade/internal/apriori"
	"github.com/dejo1307/oupgrade/internal/changes"
	"github.com/dejo1307/oupgrade/internal/config"
	"github.com/dejo1307/oupgrade/internal/metrics"
)

// AppName is reported in the X-Application-Name response header.
const AppName = "openupgrade-api"

// Server answers change queries over HTTP and MCP from the per-version
// stores.
type Server struct {
	mcp     *mcp.Server
	cfg     *config.Config
	stores  *storeCache
	overlay *apriori.Overlay
	metrics *metrics.Metrics
}

// New creates a server reading the stores under cfg.DB.Dir. m may be nil.
func New(cfg *config.Config, m *metrics.Metrics) (*Server, error) {
	stores, err := newStoreCache(cfg.Server.CacheSize, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("creating store cache: %w", err)
	}
	overlay, err := apriori.LoadOverlay(cfg.Apriori.CSVPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		stores:  stores,
		overlay: overlay,
		metrics: m,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    "oupgrade",
		Version: "0.1.0",
	}, nil)
	s.registerTools()
	return s, nil
}

// Close releases the cached stores.
func (s *Server) Close() {
	s.stores.close()
}

// RunStdio serves MCP on the stdio transport.
func (s *Server) RunStdio(ctx context.Context) error {
	log.Println("[server] starting MCP server on stdio transport")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// RunWithTransport serves MCP on an arbitrary transport.
func (s *Server) RunWithTransport(ctx context.Context, t mcp.Transport) error {
	return s.mcp.Run(ctx, t)
}

// ListenAndServe serves HTTP on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on http://%s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Println("[server] shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// ModuleModels is one module's entry in the upgrade info summary.
type ModuleModels struct {
	Module    string `json:"module"`
	AllModels string `json:"all_models"`
}

var storeFile = regexp.MustCompile(`^upgrade_(\d*\.\d+)\.db$`)

// storedVersions lists the versions that have a store, sorted.
func (s *Server) storedVersions() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.DB.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", s.cfg.DB.Dir, err)
	}
	var versions []string
	for _, e := range entries {
		if m := storeFile.FindStringSubmatch(e.Name()); m != nil && !e.IsDir() {
			versions = append(versions, m[1])
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// upgradeInfo summarizes the models touched per module for every stored
// version, or for one version when only is set.
func (s *Server) upgradeInfo(ctx context.Context, only string) (map[string][]ModuleModels, error) {
	versions, err := s.storedVersions()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]ModuleModels)
	for _, v := range versions {
		if only != "" && v != only {
			continue
		}
		store, release, err := s.stores.acquire(v)
		if err != nil {
			return nil, err
		}
		byModule, err := store.ModuleModels(ctx)
		release()
		if err != nil {
			return nil, err
		}
		modules := make([]string, 0, len(byModule))
		for m := range byModule {
			modules = append(modules, m)
		}
		sort.Strings(modules)

		info := make([]ModuleModels, 0, len(modules))
		for _, m := range modules {
			info = append(info, ModuleModels{Module: m, AllModels: strings.Join(byModule[m], ", ")})
		}
		result[v] = info
	}
	return result, nil
}

// queryChanges validates version and runs a store query.
func (s *Server) queryChanges(ctx context.Context, version string, opts changes.QueryOpts) ([]changes.ChangeRecord, error) {
	version = config.NormalizeVersion(version)
	if !config.ValidVersion(version) {
		return nil, fmt.Errorf("%w: %q", errInvalidVersion, version)
	}
	store, release, err := s.stores.acquire(version)
	if err != nil {
		if errors.Is(err, changes.ErrStoreNotFound) {
			return nil, fmt.Errorf("database for version %s not found; run 'oupgrade parse --versions %s' first: %w",
				version, version, err)
		}
		return nil, err
	}
	defer release()
	return store.Query(ctx, opts)
}

var errInvalidVersion = errors.New("invalid version")

// aprioriLookup answers a reference table lookup by version or by module.
func (s *Server) aprioriLookup(ctx context.Context, version, module, table string) (any, error) {
	if (version == "") == (module == "") {
		return nil, errors.New("exactly one of version or module is required")
	}
	store, err := apriori.Open(s.cfg.AprioriPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if version != "" {
		version = config.NormalizeVersion(version)
		if !config.ValidVersion(version) {
			return nil, fmt.Errorf("%w: %q", errInvalidVersion, version)
		}
		return store.ForVersion(ctx, version, table, s.overlay)
	}
	return store.ForModule(ctx, module, table, s.overlay)
}
