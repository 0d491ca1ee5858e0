// Package hooks binds enrichment hooks to named pipeline points and runs them
// with failure isolation.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
)

// Pipeline points invoked by the structure pipeline.
const (
	PointStructureSearch = "structure-search"
	PointStructurePost   = "structure-post"
)

// Batch is the state a hook works on: the run's Document and its results.
type Batch struct {
	Document *models.Document
	Results  []*models.PredictionResult
}

// Clone returns a deep copy of b.
func (b Batch) Clone() Batch {
	c := Batch{Document: b.Document.Clone()}
	if b.Results != nil {
		c.Results = make([]*models.PredictionResult, len(b.Results))
		for i, r := range b.Results {
			c.Results[i] = r.Clone()
		}
	}
	return c
}

// Hook is one enrichment step. Apply may mutate the batch it is given; the
// mutations are kept only when it returns nil.
type Hook interface {
	Name() string
	Apply(ctx context.Context, b *Batch) error
}

// HookFunc adapts a function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, b *Batch) error
}

func (h HookFunc) Name() string                              { return h.HookName }
func (h HookFunc) Apply(ctx context.Context, b *Batch) error { return h.Fn(ctx, b) }

// Module is a named group of hooks contributed to one or more points.
type Module struct {
	Name   string
	Points []string
	Hooks  []Hook
}

// Builder collects modules before the registry is frozen.
type Builder struct {
	modules []Module
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add queues m for registration.
func (b *Builder) Add(m Module) *Builder {
	b.modules = append(b.modules, m)
	return b
}

type binding struct {
	module string
	hook   Hook
}

// Registry is the immutable point → hooks table.
type Registry struct {
	points map[string][]binding
}

// Build orders modules by name and freezes the registry. Within a module,
// hooks keep their declared order.
func (b *Builder) Build() (*Registry, error) {
	mods := make([]Module, len(b.modules))
	copy(mods, b.modules)
	sort.SliceStable(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })

	r := &Registry{points: make(map[string][]binding)}
	seen := make(map[string]bool, len(mods))
	for i, m := range mods {
		if m.Name == "" {
			return nil, fmt.Errorf("hook module %d: name required: %w", i, pipelineerr.ErrConfiguration)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("hook module %q registered twice: %w", m.Name, pipelineerr.ErrConfiguration)
		}
		seen[m.Name] = true
		if len(m.Points) == 0 {
			return nil, fmt.Errorf("hook module %q: no pipeline points: %w", m.Name, pipelineerr.ErrConfiguration)
		}
		for _, h := range m.Hooks {
			if h == nil {
				return nil, fmt.Errorf("hook module %q: nil hook: %w", m.Name, pipelineerr.ErrConfiguration)
			}
			for _, p := range m.Points {
				r.points[p] = append(r.points[p], binding{module: m.Name, hook: h})
			}
		}
	}
	return r, nil
}

// Empty returns a registry with no hooks.
func Empty() *Registry {
	return &Registry{points: map[string][]binding{}}
}

// Bound lists "module/hook" identities bound to point in execution order.
func (r *Registry) Bound(point string) []string {
	out := make([]string, 0, len(r.points[point]))
	for _, b := range r.points[point] {
		out = append(out, b.module+"/"+b.hook.Name())
	}
	return out
}

// Outcome records one hook invocation.
type Outcome struct {
	Module   string
	Hook     string
	Err      error
	Duration time.Duration
}

// Report summarizes one Execute call.
type Report struct {
	Point    string
	Outcomes []Outcome
}

// Failed counts hooks whose changes were discarded.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Execute runs every hook bound to point in order. Each hook receives its own
// copy of the current batch; on success the copy becomes the current batch,
// on error, panic or a rewritten audit trail it is dropped and the next hook
// runs. Hook errors never propagate to the caller.
func (r *Registry) Execute(ctx context.Context, point string, batch Batch) (Batch, Report) {
	report := Report{Point: point}
	bindings := r.points[point]
	if len(bindings) == 0 {
		return batch, report
	}

	logCtx := slog.With("hookPoint", point)
	if batch.Document != nil {
		logCtx = logCtx.With("documentId", batch.Document.ID, "runId", batch.Document.RunID)
	}

	current := batch
	for _, b := range bindings {
		working := current.Clone()
		start := time.Now()
		err := invoke(ctx, b.hook, &working)
		if err == nil {
			if verr := checkAppendOnly(current, working); verr != nil {
				err = fmt.Errorf("hook %s: %w: %w", b.hook.Name(), pipelineerr.ErrHook, verr)
			}
		}
		o := Outcome{Module: b.module, Hook: b.hook.Name(), Err: err, Duration: time.Since(start)}
		report.Outcomes = append(report.Outcomes, o)

		if err != nil {
			logCtx.Error("Hook failed, changes discarded.", "module", b.module, "hook", o.Hook, "error", err)
			continue
		}
		current = working
		logCtx.Info("Hook applied.", "module", b.module, "hook", o.Hook, "duration", o.Duration.String())
	}
	return current, report
}

// checkAppendOnly reports how after breaks the batch shape hooks must keep:
// the same results in the same order, each history extended only at its end
// and never stamped earlier than its last existing entry.
func checkAppendOnly(before, after Batch) error {
	if after.Document == nil && before.Document != nil {
		return fmt.Errorf("document removed")
	}
	if len(after.Results) != len(before.Results) {
		return fmt.Errorf("result count changed from %d to %d", len(before.Results), len(after.Results))
	}
	for i, old := range before.Results {
		cur := after.Results[i]
		if cur == nil || cur.ID != old.ID {
			return fmt.Errorf("result %d replaced", i)
		}
		if len(cur.History) < len(old.History) {
			return fmt.Errorf("result %d history truncated", i)
		}
		for j, e := range old.History {
			if !sameEntry(e, cur.History[j]) {
				return fmt.Errorf("result %d history entry %d rewritten", i, j)
			}
		}
		if n := len(old.History); n > 0 {
			last := old.History[n-1].Timestamp
			for _, e := range cur.History[n:] {
				if e.Timestamp.Before(last) {
					return fmt.Errorf("result %d history entry %s predates %s", i, e.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
				}
			}
		}
	}
	return nil
}

func sameEntry(a, b models.PipelineHistoryEntry) bool {
	if a.Step != b.Step || a.Status != b.Status || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if a.Details == nil || b.Details == nil {
		return a.Details == b.Details
	}
	return *a.Details == *b.Details
}

func invoke(ctx context.Context, h Hook, b *Batch) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook %s panicked: %v: %w\n%s", h.Name(), p, pipelineerr.ErrHook, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("hook %s: %w: %w", h.Name(), pipelineerr.ErrHook, err)
	}
	if err := h.Apply(ctx, b); err != nil {
		return fmt.Errorf("hook %s: %w: %w", h.Name(), pipelineerr.ErrHook, err)
	}
	return nil
}
