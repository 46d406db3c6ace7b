package market

import (
	"sync"

	"github.com/paw-chain/crunch/types"
)

// DraftSet is the ordered collection of draft proposals gathered during one
// negotiation. Duplicates are retained; selection always takes the first.
type DraftSet struct {
	mu        sync.Mutex
	proposals []types.Proposal
}

// Add appends a draft proposal.
func (d *DraftSet) Add(p types.Proposal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.proposals = append(d.proposals, p)
}

// First returns the earliest draft received.
func (d *DraftSet) First() (types.Proposal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.proposals) == 0 {
		return types.Proposal{}, false
	}
	return d.proposals[0], true
}

// Len returns the number of drafts received so far.
func (d *DraftSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.proposals)
}

// All returns a copy of the drafts in arrival order.
func (d *DraftSet) All() []types.Proposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.Proposal, len(d.proposals))
	copy(out, d.proposals)
	return out
}
