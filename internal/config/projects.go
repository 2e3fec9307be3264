package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/ashureev/tgcode/internal/domain"
)

// Catalog is the set of projects a conversation may work in.
type Catalog struct {
	Default  string
	projects map[string]domain.Project
}

type catalogFile struct {
	Default  string                    `toml:"default"`
	Projects map[string]domain.Project `toml:"projects"`
}

// LoadCatalog reads the projects file. A missing file yields an empty catalog.
func LoadCatalog(path string) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewCatalog("", nil)
		}
		return nil, fmt.Errorf("decode projects file %s: %w", path, err)
	}
	list := make([]domain.Project, 0, len(f.Projects))
	for alias, p := range f.Projects {
		p.Alias = alias
		list = append(list, p)
	}
	return NewCatalog(f.Default, list)
}

// NewCatalog builds a catalog, validating aliases, paths and the default.
func NewCatalog(defaultAlias string, list []domain.Project) (*Catalog, error) {
	c := &Catalog{Default: defaultAlias, projects: make(map[string]domain.Project, len(list))}
	for _, p := range list {
		if p.Alias == "" {
			return nil, fmt.Errorf("project with path %q has no alias", p.Path)
		}
		if p.Path == "" {
			return nil, fmt.Errorf("project %q has no path", p.Alias)
		}
		if _, dup := c.projects[p.Alias]; dup {
			return nil, fmt.Errorf("duplicate project %q", p.Alias)
		}
		c.projects[p.Alias] = p
	}
	if defaultAlias != "" {
		if _, ok := c.projects[defaultAlias]; !ok {
			return nil, fmt.Errorf("default project %q is not defined", defaultAlias)
		}
	} else if len(list) == 1 {
		c.Default = list[0].Alias
	}
	return c, nil
}

// Lookup returns the project with the given alias.
func (c *Catalog) Lookup(alias string) (domain.Project, bool) {
	p, ok := c.projects[alias]
	return p, ok
}

// Projects lists projects sorted by alias.
func (c *Catalog) Projects() []domain.Project {
	out := make([]domain.Project, 0, len(c.projects))
	for _, p := range c.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Len returns the number of projects.
func (c *Catalog) Len() int {
	return len(c.projects)
}
