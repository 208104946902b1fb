package renderers

import (
	"context"

	"github.com/dejo1307/oupgrade/internal/changes"
)

// Input is what a renderer reads for one version.
type Input struct {
	Version   string         // normalized version label, e.g. "17.0"
	Store     *changes.Store // nil when no store exists for Version
	SourceDir string         // extracted source tree root for Version
}

// Artifact represents a generated output file.
type Artifact struct {
	Name    string `json:"name"` // path relative to the version output dir
	Content []byte `json:"-"`    // Raw content
	Entries int    `json:"entries"`
}

// Renderer produces output artifacts for a version.
type Renderer interface {
	// Name returns the renderer identifier (e.g. "removed_models").
	Name() string
	// Render produces artifacts from the given input. A missing source is
	// logged and yields no artifacts rather than an error.
	Render(ctx context.Context, in *Input) ([]Artifact, error)
}

// Registry holds registered renderers.
type Registry struct {
	renderers []Renderer
}

// NewRegistry creates a new renderer registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a renderer to the registry.
func (r *Registry) Register(rnd Renderer) {
	r.renderers = append(r.renderers, rnd)
}

// Get returns the renderer with the given name, or nil if not found.
func (r *Registry) Get(name string) Renderer {
	for _, rnd := range r.renderers {
		if rnd.Name() == name {
			return rnd
		}
	}
	return nil
}

// All returns all registered renderers.
func (r *Registry) All() []Renderer {
	return r.renderers
}
