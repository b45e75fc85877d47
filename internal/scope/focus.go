package scope

import (
	"sort"
)

// focusCap bounds how many items a partition's focus set tracks.
const focusCap = 200

// focusEntry tracks how often and how recently an item was touched.
type focusEntry struct {
	ItemID      string `json:"item_id"`
	AccessCount int64  `json:"access_count"`
	LastAccess  int64  `json:"last_access"` // turn number
}

// FocusSet is a per-partition working set of frequently retrieved items.
// Score decays with turns since last access, so stale favorites drop out.
type FocusSet struct {
	entries map[string]*focusEntry
}

// NewFocusSet returns an empty focus set.
func NewFocusSet() *FocusSet {
	return &FocusSet{entries: make(map[string]*focusEntry)}
}

// Touch records an access at the given turn, evicting the lowest-scored
// entry when the set is full.
func (f *FocusSet) Touch(itemID string, turn int64) {
	if e, ok := f.entries[itemID]; ok {
		e.AccessCount++
		e.LastAccess = turn
		return
	}
	if len(f.entries) >= focusCap {
		f.evictLowest(turn)
	}
	f.entries[itemID] = &focusEntry{ItemID: itemID, AccessCount: 1, LastAccess: turn}
}

// Score returns the focus score of an item at the given turn, 0 when the
// item is not tracked.
func (f *FocusSet) Score(itemID string, turn int64) float64 {
	e, ok := f.entries[itemID]
	if !ok {
		return 0
	}
	return score(e, turn)
}

func score(e *focusEntry, turn int64) float64 {
	age := turn - e.LastAccess
	if age < 0 {
		age = 0
	}
	return float64(e.AccessCount) / float64(age+1)
}

// Top returns the n highest-scored item ids at the given turn.
func (f *FocusSet) Top(n int, turn int64) []string {
	all := make([]*focusEntry, 0, len(f.entries))
	for _, e := range f.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		si, sj := score(all[i], turn), score(all[j], turn)
		if si != sj {
			return si > sj
		}
		return all[i].ItemID < all[j].ItemID
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.ItemID
	}
	return out
}

// Remove drops an item from the set.
func (f *FocusSet) Remove(itemID string) {
	delete(f.entries, itemID)
}

// Len returns the number of tracked items.
func (f *FocusSet) Len() int {
	return len(f.entries)
}

func (f *FocusSet) evictLowest(turn int64) {
	var worstID string
	worst := -1.0
	for id, e := range f.entries {
		if s := score(e, turn); worst < 0 || s < worst || (s == worst && id < worstID) {
			worst = s
			worstID = id
		}
	}
	if worstID != "" {
		delete(f.entries, worstID)
	}
}

func (f *FocusSet) snapshot() []*focusEntry {
	out := make([]*focusEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

func focusFromSnapshot(entries []*focusEntry) *FocusSet {
	f := NewFocusSet()
	for _, e := range entries {
		f.entries[e.ItemID] = e
	}
	return f
}
