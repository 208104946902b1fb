package apriori

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dejo1307/oupgrade/internal/config"
)

// Overlay statuses in the internal CSV.
const (
	StatusNotNeeded = "not needed anymore"
	StatusMoved     = "moved to different repo"
)

// NotNeeded explains why a module was retired.
type NotNeeded struct {
	Detail     string `json:"detail"`
	References string `json:"references"`
}

// OverlayEntry is one row of the internal CSV: module_name, repo,
// raw_version, status, detail, references.
type OverlayEntry struct {
	Module     string
	Repo       string
	Version    string // normalized
	Status     string
	Detail     string
	References string
}

// Overlay is the internal module status list merged into lookups.
type Overlay struct {
	Entries []OverlayEntry
}

// LoadOverlay reads the CSV at path. Rows with fewer than six columns are
// ignored; an empty path yields a nil overlay.
func LoadOverlay(path string) (*Overlay, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return ReadOverlay(f)
}

// ReadOverlay parses overlay rows from r.
func ReadOverlay(r io.Reader) (*Overlay, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	o := &Overlay{}
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading overlay: %w", err)
		}
		if len(row) < 6 {
			continue
		}
		o.Entries = append(o.Entries, OverlayEntry{
			Module:     strings.TrimSpace(row[0]),
			Repo:       strings.TrimSpace(row[1]),
			Version:    config.NormalizeVersion(row[2]),
			Status:     strings.TrimSpace(row[3]),
			Detail:     row[4],
			References: row[5],
		})
	}
	return o, nil
}

func (o *Overlay) applyVersion(t *Tables) {
	if o == nil {
		return
	}
	for _, e := range o.Entries {
		if e.Version != t.Version {
			continue
		}
		switch e.Status {
		case StatusNotNeeded:
			if t.NotNeeded == nil {
				t.NotNeeded = make(map[string]NotNeeded)
			}
			t.NotNeeded[e.Module] = NotNeeded{Detail: e.Detail, References: e.References}
		case StatusMoved:
			if t.MovedModules == nil {
				t.MovedModules = make(map[string]string)
			}
			t.MovedModules[e.Module] = e.Detail
		}
	}
}

func (o *Overlay) applyModule(h *ModuleHistory) {
	if o == nil {
		return
	}
	for _, e := range o.Entries {
		if e.Module != h.Module {
			continue
		}
		switch e.Status {
		case StatusNotNeeded:
			if h.NotNeeded == nil {
				h.NotNeeded = make(map[string]string)
			}
			h.NotNeeded[e.Version] = "odoo"
		case StatusMoved:
			if h.MovedModules == nil {
				h.MovedModules = make(map[string]string)
			}
			h.MovedModules[e.Version] = e.Detail
		}
	}
}
