package mapping

import (
	"fmt"
	"sort"

	"github.com/roamdata/migrator/internal/catalog"
)

// Mapping transforms rows of one source schema into catalog records.
// Implementations are pure: no I/O and no shared state.
type Mapping interface {
	// Source is the source id, also the external_id prefix.
	Source() string
	// Schema is the source database schema the query reads from.
	Schema() string
	Kind() catalog.Kind
	// Query is a read-only SELECT enumerating source rows in a stable order.
	Query() string
	ToLocation(row Row) (*catalog.Location, error)
	ToEvent(row Row) (*catalog.Event, error)
}

// Registry resolves Mappings by source id or schema name. Its contents are
// fixed by NewRegistry, so lookups need no locking.
type Registry struct {
	bySource map[string]Mapping
	bySchema map[string]Mapping
}

// NewRegistry constructs a Registry holding the given mappings. A source id
// or schema may appear only once.
func NewRegistry(ms ...Mapping) (*Registry, error) {
	r := &Registry{
		bySource: make(map[string]Mapping),
		bySchema: make(map[string]Mapping),
	}
	for _, m := range ms {
		if err := r.register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a Registry with every bundled source mapping.
func Default() *Registry {
	r, err := NewRegistry(Park4Night{}, CamperContact{}, UitInVlaanderen{})
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) register(m Mapping) error {
	if m == nil || m.Source() == "" {
		return fmt.Errorf("registering mapping: empty source id")
	}
	if _, dup := r.bySource[m.Source()]; dup {
		return fmt.Errorf("registering mapping: source %q already registered", m.Source())
	}
	if _, dup := r.bySchema[m.Schema()]; dup && m.Schema() != "" {
		return fmt.Errorf("registering mapping: schema %q already registered", m.Schema())
	}

	r.bySource[m.Source()] = m
	if m.Schema() != "" {
		r.bySchema[m.Schema()] = m
	}
	return nil
}

// Get returns the Mapping for a source id.
func (r *Registry) Get(sourceID string) (Mapping, error) {
	m, ok := r.bySource[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %q: %w", sourceID, catalog.ErrUnknownSource)
	}
	return m, nil
}

// GetBySchema returns the Mapping reading from a schema.
func (r *Registry) GetBySchema(name string) (Mapping, error) {
	m, ok := r.bySchema[name]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", name, catalog.ErrUnknownSource)
	}
	return m, nil
}

// Sources lists registered source ids in sorted order.
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.bySource))
	for s := range r.bySource {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
