package elimination

import (
	"sort"
	"time"

	"github.com/atmx/incentive-engine/internal/model"
)

// Registry tracks elimination flags and registration protection as separate
// causes. Protection always wins when computing the exclusion set, but it
// never erases a flag. Registry is not safe for concurrent use; callers
// serialize access.
type Registry struct {
	flags     map[string]model.EliminationRecord
	protected map[string]model.EliminationRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		flags:     make(map[string]model.EliminationRecord),
		protected: make(map[string]model.EliminationRecord),
	}
}

// Flag eliminates a miner for reason. The first flag wins: a miner already
// flagged keeps its original reason and timestamp. It reports whether a new
// record was written.
func (r *Registry) Flag(id string, reason model.Reason, now time.Time) bool {
	if rec, ok := r.flags[id]; ok && rec.Status {
		return false
	}
	r.flags[id] = model.EliminationRecord{
		MinerID:   id,
		Status:    true,
		Timestamp: now.UTC().Format(time.RFC3339),
		Reason:    reason,
	}
	return true
}

// Protect records (or refreshes) registration protection for a miner.
func (r *Registry) Protect(id string, now time.Time) {
	r.protected[id] = model.EliminationRecord{
		MinerID:   id,
		Status:    false,
		Timestamp: now.UTC().Format(time.RFC3339),
		Reason:    model.ReasonProtect,
	}
}

// RefreshProtections replaces the protected set with ids. Miners whose
// protection window has passed fall out of it.
func (r *Registry) RefreshProtections(ids []string, now time.Time) {
	r.protected = make(map[string]model.EliminationRecord, len(ids))
	for _, id := range ids {
		r.Protect(id, now)
	}
}

// IsProtected reports whether the miner currently holds protection.
func (r *Registry) IsProtected(id string) bool {
	_, ok := r.protected[id]
	return ok
}

// Lookup returns the elimination flag recorded for a miner, if any.
func (r *Registry) Lookup(id string) (model.EliminationRecord, bool) {
	rec, ok := r.flags[id]
	return rec, ok
}

// Excluded returns the flagged miners that are not protected, sorted.
func (r *Registry) Excluded() []string {
	var out []string
	for id, rec := range r.flags {
		if !rec.Status {
			continue
		}
		if _, ok := r.protected[id]; ok {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ExcludedSet is Excluded as a set.
func (r *Registry) ExcludedSet() map[string]struct{} {
	ids := r.Excluded()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Records returns the active elimination records keyed by miner, the form
// that is persisted.
func (r *Registry) Records() map[string]model.EliminationRecord {
	out := make(map[string]model.EliminationRecord, len(r.flags))
	for id, rec := range r.flags {
		if rec.Status {
			out[id] = rec
		}
	}
	return out
}

// Protections returns a copy of the protection records.
func (r *Registry) Protections() map[string]model.EliminationRecord {
	out := make(map[string]model.EliminationRecord, len(r.protected))
	for id, rec := range r.protected {
		out[id] = rec
	}
	return out
}

// Restore loads persisted elimination records. Records with Status=false are
// ignored; protection is always recomputed from registrations.
func (r *Registry) Restore(records map[string]model.EliminationRecord) {
	for id, rec := range records {
		if !rec.Status {
			continue
		}
		if rec.MinerID == "" {
			rec.MinerID = id
		}
		r.flags[id] = rec
	}
}
