package engine

import (
	"sort"
	"sync"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// activeTable caches the non-terminal instance of each account. It is never
// authoritative: every write path refreshes it from the row just persisted
// and ListActive rebuilds it from the store.
type activeTable struct {
	mu        sync.RWMutex
	byAccount map[string]*workflow.Instance
}

func newActiveTable() *activeTable {
	return &activeTable{byAccount: map[string]*workflow.Instance{}}
}

// track records inst, or drops the account once inst is terminal.
func (t *activeTable) track(inst *workflow.Instance) {
	if inst == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if inst.Status.Terminal() {
		if cur, ok := t.byAccount[inst.AccountID]; ok && cur.ID == inst.ID {
			delete(t.byAccount, inst.AccountID)
		}
		return
	}
	t.byAccount[inst.AccountID] = inst.Clone()
}

func (t *activeTable) forget(accountID string) {
	t.mu.Lock()
	delete(t.byAccount, accountID)
	t.mu.Unlock()
}

func (t *activeTable) replace(insts []*workflow.Instance) {
	next := make(map[string]*workflow.Instance, len(insts))
	for _, inst := range insts {
		if !inst.Status.Terminal() {
			next[inst.AccountID] = inst.Clone()
		}
	}
	t.mu.Lock()
	t.byAccount = next
	t.mu.Unlock()
}

func (t *activeTable) get(accountID string) (*workflow.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inst, ok := t.byAccount[accountID]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// list returns clones ordered by start time.
func (t *activeTable) list() []*workflow.Instance {
	t.mu.RLock()
	out := make([]*workflow.Instance, 0, len(t.byAccount))
	for _, inst := range t.byAccount {
		out = append(out, inst.Clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *activeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAccount)
}
