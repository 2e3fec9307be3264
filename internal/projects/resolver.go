// Package projects resolves which project directory a conversation works in.
package projects

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ashureev/tgcode/internal/config"
	"github.com/ashureev/tgcode/internal/domain"
)

var (
	// ErrNoProject means the conversation has no project and the catalog has
	// no default.
	ErrNoProject = fmt.Errorf("no project configured: %w", errdefs.ErrNotFound)
	// ErrUnknownProject is returned when selecting an alias the catalog lacks.
	ErrUnknownProject = fmt.Errorf("unknown project: %w", errdefs.ErrInvalidArgument)
)

// Preferences stores the alias a conversation picked.
type Preferences interface {
	GetActiveProject(ctx context.Context, conversationID int64) (string, error)
	SetActiveProject(ctx context.Context, conversationID int64, alias string) error
}

// Resolver combines the catalog with stored per-conversation choices.
type Resolver struct {
	catalog *config.Catalog
	prefs   Preferences
}

// NewResolver creates a resolver.
func NewResolver(catalog *config.Catalog, prefs Preferences) *Resolver {
	return &Resolver{catalog: catalog, prefs: prefs}
}

// ActiveProject returns the conversation's project: its stored choice when
// that alias still exists, otherwise the catalog default.
func (r *Resolver) ActiveProject(ctx context.Context, conversationID int64) (domain.Project, error) {
	alias, err := r.prefs.GetActiveProject(ctx, conversationID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load active project: %w", err)
	}
	if alias != "" {
		if p, ok := r.catalog.Lookup(alias); ok {
			return p, nil
		}
	}
	if r.catalog.Default != "" {
		if p, ok := r.catalog.Lookup(r.catalog.Default); ok {
			return p, nil
		}
	}
	return domain.Project{}, ErrNoProject
}

// Select stores alias as the conversation's active project.
func (r *Resolver) Select(ctx context.Context, conversationID int64, alias string) (domain.Project, error) {
	p, ok := r.catalog.Lookup(alias)
	if !ok {
		return domain.Project{}, fmt.Errorf("%w %q", ErrUnknownProject, alias)
	}
	if err := r.prefs.SetActiveProject(ctx, conversationID, alias); err != nil {
		return domain.Project{}, fmt.Errorf("save active project: %w", err)
	}
	return p, nil
}

// Projects lists the catalog sorted by alias.
func (r *Resolver) Projects() []domain.Project {
	return r.catalog.Projects()
}

// IsNoProject reports whether err means no project could be resolved.
func IsNoProject(err error) bool {
	return errors.Is(err, ErrNoProject)
}
