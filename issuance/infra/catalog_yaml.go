package infra

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"coupon-issuance/issuance/domain"

	"gopkg.in/yaml.v3"
)

// Formato do arquivo:
//
//	resources:
//	  - type: WELCOME10
//	    stock: 100
//	    mode: sync   # sync | async | vazio (ambos)
type catalogFile struct {
	Resources []catalogEntry `yaml:"resources"`
}

type catalogEntry struct {
	Type  string `yaml:"type"`
	Stock int64  `yaml:"stock"`
	Mode  string `yaml:"mode"`
}

// YAMLCatalog implementa domain.Catalog. É imutável depois de carregado.
type YAMLCatalog struct {
	specs map[string]domain.ResourceSpec
}

func LoadCatalog(path string) (*YAMLCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*YAMLCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	specs := make([]domain.ResourceSpec, 0, len(f.Resources))
	for _, e := range f.Resources {
		specs = append(specs, domain.ResourceSpec{
			Type:  strings.TrimSpace(e.Type),
			Stock: e.Stock,
			Mode:  domain.Mode(strings.ToLower(strings.TrimSpace(e.Mode))),
		})
	}
	return NewCatalog(specs...)
}

func NewCatalog(specs ...domain.ResourceSpec) (*YAMLCatalog, error) {
	c := &YAMLCatalog{specs: make(map[string]domain.ResourceSpec, len(specs))}
	for i, s := range specs {
		if s.Type == "" {
			return nil, fmt.Errorf("catalog entry %d: type is required", i)
		}
		if strings.ContainsAny(s.Type, "{}: ") {
			return nil, fmt.Errorf("catalog entry %q: type must not contain braces, colons or spaces", s.Type)
		}
		if s.Stock < 0 {
			return nil, fmt.Errorf("catalog entry %q: stock must be >= 0", s.Type)
		}
		switch s.Mode {
		case domain.ModeAny, domain.ModeSync, domain.ModeAsync:
		default:
			return nil, fmt.Errorf("catalog entry %q: unknown mode %q", s.Type, s.Mode)
		}
		if _, dup := c.specs[s.Type]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicated", s.Type)
		}
		c.specs[s.Type] = s
	}
	return c, nil
}

func (c *YAMLCatalog) Lookup(resourceType string) (domain.ResourceSpec, bool) {
	s, ok := c.specs[resourceType]
	return s, ok
}

func (c *YAMLCatalog) All() []domain.ResourceSpec {
	out := make([]domain.ResourceSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
