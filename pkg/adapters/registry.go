package adapters

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// registryFile represents the structure of an adapters override file.
type registryFile struct {
	Adapters []Definition `json:"adapters" yaml:"adapters"`
}

// Registry resolves site adapters by id or page host. It is not modified
// after construction.
type Registry struct {
	byID   map[string]SiteAdapter
	byHost map[string]SiteAdapter
}

// NewRegistry indexes the given adapters. Duplicate ids or hosts are rejected.
func NewRegistry(adapters ...SiteAdapter) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]SiteAdapter, len(adapters)),
		byHost: make(map[string]SiteAdapter),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, exists := r.byID[a.ID()]; exists {
			return nil, fmt.Errorf("duplicate adapter id %q", a.ID())
		}
		r.byID[a.ID()] = a
		for _, h := range a.Hosts() {
			if other, exists := r.byHost[h]; exists {
				return nil, fmt.Errorf("host %q claimed by adapters %q and %q", h, other.ID(), a.ID())
			}
			r.byHost[h] = a
		}
	}
	return r, nil
}

// BuiltinDefinitions returns the definitions shipped with the binary.
func BuiltinDefinitions() []Definition {
	return []Definition{ChatGPTDefinition(), GeminiDefinition()}
}

// DefaultRegistry wires up the built-in adapters.
func DefaultRegistry() *Registry {
	reg, err := buildRegistry(BuiltinDefinitions())
	if err != nil {
		panic(fmt.Sprintf("built-in adapters invalid: %v", err))
	}
	return reg
}

// LoadRegistry loads adapter definitions from a YAML/JSON file on top of the
// built-ins. Entries whose id matches a built-in override the non-empty fields
// of that built-in; other entries are added.
func LoadRegistry(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("adapters file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open adapters file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read adapters file: %w", err)
	}

	fileReg, err := parseRegistry(raw, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	if len(fileReg.Adapters) == 0 {
		return nil, errors.New("adapters file contains no adapters entries")
	}

	defs := BuiltinDefinitions()
	idx := make(map[string]int, len(defs))
	for i, d := range defs {
		idx[d.ID] = i
	}
	seen := make(map[string]struct{}, len(fileReg.Adapters))
	for i, over := range fileReg.Adapters {
		id := strings.ToLower(strings.TrimSpace(over.ID))
		if id == "" {
			return nil, fmt.Errorf("adapters[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate adapter id %q", id)
		}
		seen[id] = struct{}{}

		if pos, ok := idx[id]; ok {
			defs[pos] = mergeDefinition(defs[pos], over)
			continue
		}
		idx[id] = len(defs)
		defs = append(defs, over)
	}

	return buildRegistry(defs)
}

func buildRegistry(defs []Definition) (*Registry, error) {
	adapters := make([]SiteAdapter, 0, len(defs))
	for i, def := range defs {
		a, err := New(def)
		if err != nil {
			return nil, fmt.Errorf("adapters[%d]: %w", i, err)
		}
		adapters = append(adapters, a)
	}
	return NewRegistry(adapters...)
}

// parseRegistry attempts to decode the adapters file content.
func parseRegistry(data []byte, ext string) (registryFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	decoders := []struct {
		name string
		ext  string
		fn   func([]byte, any) error
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		var reg registryFile
		if err := d.fn(data, &reg); err == nil {
			return reg, nil
		}
	}
	return registryFile{}, errors.New("adapters file format not recognized (expected YAML or JSON)")
}

// mergeDefinition overlays the non-empty fields of over onto base.
func mergeDefinition(base, over Definition) Definition {
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&base.Source, over.Source)
	pick(&base.RootSelector, over.RootSelector)
	pick(&base.CandidateSelector, over.CandidateSelector)
	pick(&base.CompleteSelector, over.CompleteSelector)
	pick(&base.PromptNodeSelector, over.PromptNodeSelector)
	pick(&base.PromptSelector, over.PromptSelector)
	pick(&base.ResponseSelector, over.ResponseSelector)
	pick(&base.IdentityAttr, over.IdentityAttr)
	if over.Topology != "" {
		base.Topology = over.Topology
	}
	if len(over.Hosts) > 0 {
		base.Hosts = over.Hosts
	}
	if over.Prescan != nil {
		base.Prescan = over.Prescan
	}
	if over.PairDepth > 0 {
		base.PairDepth = over.PairDepth
	}
	return base
}

// ForHost returns the adapter claiming host. Ports are ignored and
// subdomains of a claimed host match.
func (r *Registry) ForHost(host string) (SiteAdapter, error) {
	h := normalizeHost(host)
	if r == nil || h == "" {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, host)
	}

	for cand := h; cand != ""; {
		if a, ok := r.byHost[cand]; ok {
			return a, nil
		}
		dot := strings.IndexByte(cand, '.')
		if dot < 0 {
			break
		}
		cand = cand[dot+1:]
	}
	return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, host)
}

// ByID returns the adapter registered under id.
func (r *Registry) ByID(id string) (SiteAdapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	return a, ok
}

// All returns every registered adapter sorted by id.
func (r *Registry) All() []SiteAdapter {
	if r == nil {
		return nil
	}
	out := make([]SiteAdapter, 0, len(r.byID))
	for _, a := range r.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
