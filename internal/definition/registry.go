package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/skillflow/model"
)

// snapshot is an immutable collection of workflows indexed by ID.
type snapshot struct {
	workflows map[string]model.Workflow
	ids       []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of the workflows offered for
// execution. It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given workflows.
func NewRegistry(workflows []model.Workflow) *Registry {
	r := &Registry{}
	r.Replace(workflows)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given workflows. A later workflow with a duplicate ID wins.
func (r *Registry) Replace(workflows []model.Workflow) {
	s := &snapshot{
		workflows: make(map[string]model.Workflow, len(workflows)),
	}

	var checksumParts []string
	for _, w := range workflows {
		if _, dup := s.workflows[w.ID]; !dup {
			s.ids = append(s.ids, w.ID)
		}
		s.workflows[w.ID] = w
		checksumParts = append(checksumParts, w.ID+"="+w.Checksum)
	}
	sort.Strings(s.ids)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetWorkflow returns the workflow with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.Workflow, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// AllWorkflows returns every workflow, ordered by ID.
func (r *Registry) AllWorkflows() []model.Workflow {
	s := r.current()
	out := make([]model.Workflow, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.workflows[id])
	}
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	return len(r.current().ids)
}

// Checksum returns the combined checksum of all loaded workflows.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
