// Package enrichment holds the built-in hooks that link predictions to the
// reference registry.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/refregistry"
)

// MoleculeFinder looks up the best registry match for a structure string.
type MoleculeFinder interface {
	FindMolecule(ctx context.Context, structure string) (*refregistry.Molecule, error)
}

// HorizonGraph walks the registry's relation graph.
type HorizonGraph interface {
	HorizonAssociations(ctx context.Context, moleculeID string) ([]refregistry.Association, error)
	HorizonTarget(ctx context.Context, associationID string) (*refregistry.Target, error)
}

// RegistrySearch links each predicted structure to its registry entry and
// collects the matches on the document.
type RegistrySearch struct {
	finder MoleculeFinder
}

func NewRegistrySearch(f MoleculeFinder) *RegistrySearch {
	return &RegistrySearch{finder: f}
}

func (h *RegistrySearch) Name() string { return hooks.HookRegistrySearch }

// Apply looks up every result that has a prediction. A failed lookup is
// recorded on that result only.
func (h *RegistrySearch) Apply(ctx context.Context, b *hooks.Batch) error {
	for _, r := range b.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.PredictedValue == nil || *r.PredictedValue == "" {
			continue
		}

		m, err := h.finder.FindMolecule(ctx, *r.PredictedValue)
		switch {
		case errors.Is(err, refregistry.ErrNotFound):
			r.AddHistory(models.StepRegistrySearch, models.StatusFailed, "Molecule not found in registry")
			continue
		case err != nil:
			slog.Warn("Registry lookup failed.", "documentId", r.DocumentID, "page", r.Page, "error", err)
			r.AddHistory(models.StepRegistrySearch, models.StatusFailed, fmt.Sprintf("Registry lookup failed: %v", err))
			continue
		}

		r.SetRegistryMatch(m.ID, m.Name)
		if b.Document != nil {
			b.Document.AddRegistryMoleculeID(m.ID)
			b.Document.AddMoleculeTag(m.Name)
		}
		r.AddHistory(models.StepRegistrySearch, models.StatusSuccess, fmt.Sprintf("Found molecule %s with ID: %s", m.Name, m.ID))
	}
	return nil
}

// HorizonTagging tags the document with the relation-graph nodes and targets
// of every matched molecule.
type HorizonTagging struct {
	graph HorizonGraph
}

func NewHorizonTagging(g HorizonGraph) *HorizonTagging {
	return &HorizonTagging{graph: g}
}

func (h *HorizonTagging) Name() string { return hooks.HookHorizonTagging }

func (h *HorizonTagging) Apply(ctx context.Context, b *hooks.Batch) error {
	if b.Document == nil {
		return nil
	}
	logCtx := slog.With("documentId", b.Document.ID)

	for _, molID := range b.Document.RegistryMoleculeIDs {
		assocs, err := h.graph.HorizonAssociations(ctx, molID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logCtx.Warn("Horizon association lookup failed.", "moleculeId", molID, "error", err)
			continue
		}
		for _, a := range assocs {
			b.Document.AddTag(a.NodeName)
			target, err := h.graph.HorizonTarget(ctx, a.ID)
			if err != nil {
				if !errors.Is(err, refregistry.ErrNotFound) {
					logCtx.Warn("Horizon target lookup failed.", "associationId", a.ID, "error", err)
				}
				continue
			}
			b.Document.AddTag(target.Name)
		}
	}
	return nil
}

// Catalog returns constructors for the built-in hooks backed by client.
func Catalog(client *refregistry.Client) hooks.Catalog {
	return hooks.Catalog{
		hooks.HookRegistrySearch: func() (hooks.Hook, error) { return NewRegistrySearch(client), nil },
		hooks.HookHorizonTagging: func() (hooks.Hook, error) { return NewHorizonTagging(client), nil },
	}
}
