package identity

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// RegistryVersion is the chain registry format and symbolic-id scheme version.
const RegistryVersion = 1

//go:embed chains.yaml
var defaultChains []byte

//go:embed schema.cue
var registrySchema string

// Chain is one registry entry. Exactly one of ID or Tag is set in the
// source document; after loading, ID always holds the resolved value.
type Chain struct {
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	ID      uint64   `yaml:"id,omitempty" json:"id,omitempty"`
	Tag     string   `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// Symbolic reports whether the chain id was derived from a tag.
func (c Chain) Symbolic() bool {
	return c.Tag != ""
}

type registryFile struct {
	Version int     `yaml:"version" json:"version"`
	Chains  []Chain `yaml:"chains" json:"chains"`
}

// Registry maps chain names and aliases to canonical chain ids.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	chains []Chain
	byName map[string]Chain
}

// DefaultRegistry returns the embedded registry.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry("")
}

// LoadRegistry loads the embedded registry and, when overridePath is set,
// merges the entries of that file over it. Override entries replace
// embedded entries with the same name.
func LoadRegistry(overridePath string) (*Registry, error) {
	base, err := parseRegistryFile(defaultChains)
	if err != nil {
		return nil, fmt.Errorf("embedded registry: %w", err)
	}
	files := []registryFile{base}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read chain registry: %w", err)
		}
		override, err := parseRegistryFile(data)
		if err != nil {
			return nil, fmt.Errorf("chain registry %s: %w", overridePath, err)
		}
		files = append(files, override)
	}

	return buildRegistry(files...)
}

// ParseRegistry builds a registry from a single YAML document.
func ParseRegistry(data []byte) (*Registry, error) {
	f, err := parseRegistryFile(data)
	if err != nil {
		return nil, err
	}
	return buildRegistry(f)
}

func parseRegistryFile(data []byte) (registryFile, error) {
	var f registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return registryFile{}, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if err := validateSchema(f); err != nil {
		return registryFile{}, err
	}
	return f, nil
}

func validateSchema(f registryFile) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(registrySchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile registry schema: %w", err)
	}
	doc := ctx.Encode(f)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	return nil
}

func buildRegistry(files ...registryFile) (*Registry, error) {
	merged := make(map[string]Chain)
	for _, f := range files {
		for _, c := range f.Chains {
			switch {
			case c.ID != 0 && c.Tag != "":
				return nil, fmt.Errorf("%w: chain %q declares both id and tag", ErrInvalidRegistry, c.Name)
			case c.ID == 0 && c.Tag == "":
				return nil, fmt.Errorf("%w: chain %q declares neither id nor tag", ErrInvalidRegistry, c.Name)
			case c.Tag != "":
				id, err := SymbolicChainID(c.Tag)
				if err != nil {
					return nil, fmt.Errorf("%w: chain %q: %v", ErrInvalidRegistry, c.Name, err)
				}
				c.ID = id
			}
			merged[c.Name] = c
		}
	}

	r := &Registry{byName: make(map[string]Chain)}
	ids := make(map[uint64]string)
	for _, c := range merged {
		if other, ok := ids[c.ID]; ok {
			return nil, fmt.Errorf("%w: chains %q and %q share id %d", ErrInvalidRegistry, other, c.Name, c.ID)
		}
		ids[c.ID] = c.Name
		r.chains = append(r.chains, c)

		for _, name := range append([]string{c.Name}, c.Aliases...) {
			key := strings.ToLower(name)
			if prev, ok := r.byName[key]; ok && prev.Name != c.Name {
				return nil, fmt.Errorf("%w: name %q used by %q and %q", ErrInvalidRegistry, name, prev.Name, c.Name)
			}
			r.byName[key] = c
		}
	}
	sort.Slice(r.chains, func(i, j int) bool { return r.chains[i].ID < r.chains[j].ID })
	return r, nil
}

// Lookup finds a chain by name or alias, case-insensitively.
func (r *Registry) Lookup(name string) (Chain, bool) {
	c, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Chains returns all entries ordered by chain id.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, len(r.chains))
	copy(out, r.chains)
	return out
}

// ResolveChainID maps a chain name to its canonical numeric id.
// A non-nil override is returned verbatim without consulting the registry.
func (r *Registry) ResolveChainID(name string, override *uint64) (uint64, error) {
	if override != nil {
		return *override, nil
	}
	c, ok := r.Lookup(name)
	if !ok {
		return 0, &UnknownChainError{Name: name}
	}
	return c.ID, nil
}

// SymbolicChainID packs an ASCII tag of 1-8 characters from [A-Z0-9]
// big-endian into a uint64. "SOL" becomes 0x534F4C.
func SymbolicChainID(tag string) (uint64, error) {
	if len(tag) == 0 || len(tag) > 8 {
		return 0, fmt.Errorf("symbolic tag %q must be 1-8 characters", tag)
	}
	var id uint64
	for i := 0; i < len(tag); i++ {
		ch := tag[i]
		if (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return 0, fmt.Errorf("symbolic tag %q: invalid character %q", tag, ch)
		}
		id = id<<8 | uint64(ch)
	}
	return id, nil
}
