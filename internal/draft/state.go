package draft

import (
	"encoding/json"
	"sync"
)

// IDSet is a set of block ids that remembers insertion order.
type IDSet struct {
	order   []string
	members map[string]struct{}
}

func NewIDSet(ids ...string) IDSet {
	var s IDSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s *IDSet) Add(id string) {
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	if _, ok := s.members[id]; ok {
		return
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s IDSet) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

func (s IDSet) Len() int { return len(s.order) }

// IDs returns the members in insertion order.
func (s IDSet) IDs() []string {
	return append([]string(nil), s.order...)
}

func (s IDSet) Clone() IDSet {
	return NewIDSet(s.order...)
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	if s.order == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.order)
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// DraftChangeState is everything edited since the last commit.
type DraftChangeState struct {
	Changed IDSet        `json:"changed"`
	Deleted IDSet        `json:"deleted"`
	Moves   []MoveRecord `json:"moves"`
}

func (s DraftChangeState) Empty() bool {
	return s.Changed.Len() == 0 && s.Deleted.Len() == 0 && len(s.Moves) == 0
}

// Accumulate merges one observation: set union for ids, append for moves.
// Repeated moves of a block are kept; the later one wins when applied.
func (s *DraftChangeState) Accumulate(obs Observation) {
	for _, id := range obs.Changed {
		s.Changed.Add(id)
	}
	for _, id := range obs.Deleted {
		s.Deleted.Add(id)
	}
	s.Moves = append(s.Moves, obs.Moves...)
}

// Merge folds a later state into s. s's moves stay ahead of later's.
func (s *DraftChangeState) Merge(later DraftChangeState) {
	for _, id := range later.Changed.order {
		s.Changed.Add(id)
	}
	for _, id := range later.Deleted.order {
		s.Deleted.Add(id)
	}
	s.Moves = append(s.Moves, later.Moves...)
}

func (s DraftChangeState) Clone() DraftChangeState {
	return DraftChangeState{
		Changed: s.Changed.Clone(),
		Deleted: s.Deleted.Clone(),
		Moves:   append([]MoveRecord(nil), s.Moves...),
	}
}

// DraftKey identifies one device's draft of a document.
type DraftKey struct {
	DocumentID string
	Author     string
}

func (k DraftKey) String() string {
	return k.DocumentID + "@" + k.Author
}

// Accumulator holds the pending DraftChangeState of every open draft.
type Accumulator struct {
	mu     sync.Mutex
	drafts map[DraftKey]*DraftChangeState
}

func NewAccumulator() *Accumulator {
	return &Accumulator{drafts: make(map[DraftKey]*DraftChangeState)}
}

func (a *Accumulator) Accumulate(key DraftKey, obs Observation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(key).Accumulate(obs)
}

// Take returns the pending state and installs a fresh empty one, so edits
// made while the taken batch is being sent land in the new state. A key
// with no state is left absent.
func (a *Accumulator) Take(key DraftKey) DraftChangeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	taken := a.drafts[key]
	if taken == nil {
		return DraftChangeState{}
	}
	a.drafts[key] = &DraftChangeState{}
	return *taken
}

// Has reports whether key holds any state, empty or not.
func (a *Accumulator) Has(key DraftKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.drafts[key]
	return ok
}

// Restore puts a batch that failed to send back ahead of whatever
// accumulated since it was taken.
func (a *Accumulator) Restore(key DraftKey, batch DraftChangeState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	restored := batch.Clone()
	if current := a.drafts[key]; current != nil {
		restored.Merge(*current)
	}
	a.drafts[key] = &restored
}

// Pending returns a copy of the pending state.
func (a *Accumulator) Pending(key DraftKey) DraftChangeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if current := a.drafts[key]; current != nil {
		return current.Clone()
	}
	return DraftChangeState{}
}

func (a *Accumulator) Discard(key DraftKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.drafts, key)
}

func (a *Accumulator) state(key DraftKey) *DraftChangeState {
	current := a.drafts[key]
	if current == nil {
		current = &DraftChangeState{}
		a.drafts[key] = current
	}
	return current
}
