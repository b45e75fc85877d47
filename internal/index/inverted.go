// Package index implements the keyword-family indexes: the WAL-backed
// inverted index, the entity index, the n-gram index and the metadata
// index. All of them map terms onto sets of item ids and persist as
// human-readable JSON under <data_root>/indexes/.
package index

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"recall/internal/logging"
)

const (
	invertedSnapshotFile = "inverted_index.json"
	invertedWALFile      = "inverted_wal.jsonl"
)

// walRecord is one append-only mutation line.
type walRecord struct {
	Keyword string `json:"keyword"`
	ItemID  string `json:"item_id"`
}

// InvertedIndex maps lower-cased keyword -> set of item ids. Mutations go
// to a JSONL write-ahead log; the snapshot is rewritten atomically once the
// WAL crosses the compaction threshold (and on every reopen, so a clean
// process never needs WAL recovery).
type InvertedIndex struct {
	mu sync.Mutex

	dir              string
	compactThreshold int

	m        map[string]map[string]struct{}
	walFile  *os.File
	walLines int
}

// OpenInverted loads the snapshot, replays the WAL, and compacts.
func OpenInverted(dir string, compactThreshold int) (*InvertedIndex, error) {
	if compactThreshold <= 0 {
		compactThreshold = 10000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}

	idx := &InvertedIndex{
		dir:              dir,
		compactThreshold: compactThreshold,
		m:                make(map[string]map[string]struct{}),
	}

	// Snapshot.
	snapPath := filepath.Join(dir, invertedSnapshotFile)
	if data, err := os.ReadFile(snapPath); err == nil {
		var snap map[string][]string
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			logging.Get(logging.CategoryIndex).Warn("inverted snapshot unreadable, starting from WAL only: %v", jsonErr)
		} else {
			for kw, ids := range snap {
				set := make(map[string]struct{}, len(ids))
				for _, id := range ids {
					set[id] = struct{}{}
				}
				idx.m[kw] = set
			}
		}
	}

	// WAL replay; malformed lines are skipped with a warning.
	replayed := 0
	walPath := filepath.Join(dir, invertedWALFile)
	if f, err := os.Open(walPath); err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var rec walRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				logging.Get(logging.CategoryIndex).Warn("skipping malformed WAL line: %v", err)
				continue
			}
			idx.insert(rec.Keyword, rec.ItemID)
			replayed++
		}
		f.Close()
	}

	// Compact whatever the WAL held, then open a fresh WAL for appends.
	if err := idx.compactLocked(); err != nil {
		return nil, err
	}
	if replayed > 0 {
		logging.Index("inverted index recovered %d WAL records and compacted", replayed)
	}
	return idx, nil
}

func (x *InvertedIndex) insert(keyword, itemID string) {
	kw := strings.ToLower(keyword)
	set, ok := x.m[kw]
	if !ok {
		set = make(map[string]struct{})
		x.m[kw] = set
	}
	set[itemID] = struct{}{}
}

func (x *InvertedIndex) walAppend(records []walRecord) error {
	if x.walFile == nil {
		f, err := os.OpenFile(filepath.Join(x.dir, invertedWALFile),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open WAL: %w", err)
		}
		x.walFile = f
	}
	var sb strings.Builder
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if _, err := x.walFile.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to append WAL: %w", err)
	}
	x.walLines += len(records)
	return nil
}

// Add records one keyword -> item id pair.
func (x *InvertedIndex) Add(keyword, itemID string) error {
	return x.AddBatch([]string{keyword}, itemID)
}

// AddBatch records many keywords for one item id.
func (x *InvertedIndex) AddBatch(keywords []string, itemID string) error {
	if len(keywords) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	records := make([]walRecord, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		records = append(records, walRecord{Keyword: kw, ItemID: itemID})
		x.insert(kw, itemID)
	}
	if err := x.walAppend(records); err != nil {
		return err
	}
	if x.walLines >= x.compactThreshold {
		return x.compactLocked()
	}
	return nil
}

// Search returns the id set for one keyword.
func (x *InvertedIndex) Search(keyword string) map[string]struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	return copySet(x.m[strings.ToLower(keyword)])
}

// SearchAll returns the intersection across keywords.
func (x *InvertedIndex) SearchAll(keywords []string) map[string]struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()

	var result map[string]struct{}
	for _, kw := range keywords {
		set := x.m[strings.ToLower(kw)]
		if len(set) == 0 {
			return map[string]struct{}{}
		}
		if result == nil {
			result = copySet(set)
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}
	if result == nil {
		return map[string]struct{}{}
	}
	return result
}

// SearchAny returns the union across keywords.
func (x *InvertedIndex) SearchAny(keywords []string) map[string]struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()

	result := make(map[string]struct{})
	for _, kw := range keywords {
		for id := range x.m[strings.ToLower(kw)] {
			result[id] = struct{}{}
		}
	}
	return result
}

// Keywords returns the number of distinct keywords.
func (x *InvertedIndex) Keywords() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.m)
}

// Contains reports whether the item id is indexed under the keyword.
func (x *InvertedIndex) Contains(keyword, itemID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	set, ok := x.m[strings.ToLower(keyword)]
	if !ok {
		return false
	}
	_, ok = set[itemID]
	return ok
}

// RemoveByIDs drops the given item ids from every posting list.
func (x *InvertedIndex) RemoveByIDs(ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	for kw, set := range x.m {
		for id := range ids {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(x.m, kw)
		}
	}
	// Removals invalidate WAL history; compact immediately.
	return x.compactLocked()
}

// Flush compacts the index so the WAL never needs recovery. Wired to the
// engine exit path.
func (x *InvertedIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.compactLocked()
}

// Clear drops everything.
func (x *InvertedIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.m = make(map[string]map[string]struct{})
	return x.compactLocked()
}

// compactLocked rewrites the snapshot atomically and truncates the WAL.
// Caller holds x.mu.
func (x *InvertedIndex) compactLocked() error {
	snap := make(map[string][]string, len(x.m))
	for kw, set := range x.m {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snap[kw] = ids
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	snapPath := filepath.Join(x.dir, invertedSnapshotFile)
	tmp := snapPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, snapPath); err != nil {
		return err
	}

	if x.walFile != nil {
		x.walFile.Close()
		x.walFile = nil
	}
	if err := os.Remove(filepath.Join(x.dir, invertedWALFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	x.walLines = 0
	logging.IndexDebug("inverted index compacted: %d keywords", len(x.m))
	return nil
}

// Close flushes and releases the WAL handle.
func (x *InvertedIndex) Close() error {
	return x.Flush()
}

func copySet(src map[string]struct{}) map[string]struct{} {
	dst := make(map[string]struct{}, len(src))
	for id := range src {
		dst[id] = struct{}{}
	}
	return dst
}
