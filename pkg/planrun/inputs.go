package planrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/3leaps/gostage/pkg/manifest"
	"github.com/3leaps/gostage/pkg/replica"
	"github.com/3leaps/gostage/pkg/site"
	"github.com/3leaps/gostage/pkg/source"
	"github.com/3leaps/gostage/pkg/sqlstore"
	"github.com/3leaps/gostage/pkg/workflow"
)

// Inputs are the documents a manifest names, loaded and ready to plan.
type Inputs struct {
	Workflow *workflow.Workflow
	Sites    *site.Store
	Catalog  replica.Catalog

	closers []io.Closer
}

// Close releases any database-backed catalogs.
func (in *Inputs) Close() error {
	var errs []error
	for _, c := range in.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	in.closers = nil
	return errors.Join(errs...)
}

// InputError reports a manifest document that could not be loaded.
type InputError struct {
	Kind string
	URI  string
	Err  error
}

// Error implements the error interface.
func (e *InputError) Error() string {
	return fmt.Sprintf("load %s %s: %v", e.Kind, e.URI, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InputError) Unwrap() error {
	return e.Err
}

// LoadInputs reads the workflow, site catalog and replica catalogs of m.
// The returned Inputs must be closed.
func LoadInputs(ctx context.Context, r *source.Reader, m *manifest.Manifest, s Settings) (*Inputs, error) {
	data, err := r.ReadAll(ctx, m.Workflow)
	if err != nil {
		return nil, &InputError{Kind: "workflow", URI: m.Workflow, Err: err}
	}
	wf, err := workflow.LoadFromBytes(data, m.Workflow)
	if err != nil {
		return nil, &InputError{Kind: "workflow", URI: m.Workflow, Err: err}
	}

	data, err = r.ReadAll(ctx, m.Sites)
	if err != nil {
		return nil, &InputError{Kind: "sites", URI: m.Sites, Err: err}
	}
	sites, err := site.LoadFromBytes(data, m.Sites)
	if err != nil {
		return nil, &InputError{Kind: "sites", URI: m.Sites, Err: err}
	}

	in := &Inputs{
		Workflow: wf,
		Sites: site.NewStore(sites,
			site.WithWorkDirectory(s.WorkDir),
			site.WithStorageAddOn(s.RelativeDir),
		),
	}

	layered := make(replica.Layered, 0, len(m.Replicas))
	for i, src := range m.Replicas {
		cat, err := in.openCatalog(ctx, r, src)
		if err != nil {
			_ = in.Close()
			return nil, &InputError{Kind: fmt.Sprintf("replicas[%d]", i), URI: src.Path + src.URL, Err: err}
		}
		layered = append(layered, cat)
	}
	switch len(layered) {
	case 0:
		in.Catalog = replica.NewMemory()
	case 1:
		in.Catalog = layered[0]
	default:
		in.Catalog = layered
	}
	return in, nil
}

func (in *Inputs) openCatalog(ctx context.Context, r *source.Reader, src manifest.ReplicaSource) (replica.Catalog, error) {
	switch src.Type {
	case manifest.ReplicaFile:
		data, err := r.ReadAll(ctx, src.Path)
		if err != nil {
			return nil, err
		}
		return replica.ParseFile(bytes.NewReader(data))

	case manifest.ReplicaSQLite:
		cat, err := replica.OpenSQLReadOnly(ctx, sqlstore.Config{Path: src.Path, URL: src.URL})
		if err != nil {
			return nil, err
		}
		in.closers = append(in.closers, cat)
		return cat, nil

	case manifest.ReplicaInline:
		mem := replica.NewMemory()
		for _, e := range src.Entries {
			mem.Insert(e.LFN, replica.Location{Site: e.Site, PFN: e.PFN})
		}
		return mem, nil

	default:
		return nil, fmt.Errorf("unknown replica catalog type %q", src.Type)
	}
}
