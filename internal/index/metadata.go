package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"recall/internal/logging"
	"recall/internal/types"
)

const metadataSnapshotFile = "metadata_index.json"

// MetadataFilter selects items by structured fields. Empty fields are
// ignored; supplied fields AND together. Tags require every listed tag.
type MetadataFilter struct {
	Source         string
	Tags           []string
	Category       string
	ContentType    string
	EventDate      string // exact day, normalized
	EventTimeStart string // inclusive range over event dates
	EventTimeEnd   string
}

// IsZero reports whether no filter field is set.
func (f MetadataFilter) IsZero() bool {
	return f.Source == "" && len(f.Tags) == 0 && f.Category == "" &&
		f.ContentType == "" && f.EventDate == "" &&
		f.EventTimeStart == "" && f.EventTimeEnd == ""
}

// metadataSnapshot is the on-disk shape.
type metadataSnapshot struct {
	Source      map[string][]string `json:"source"`
	Tag         map[string][]string `json:"tag"`
	Category    map[string][]string `json:"category"`
	ContentType map[string][]string `json:"content_type"`
	EventDate   map[string][]string `json:"event_date"`
}

// MetadataIndex keeps five parallel inverted maps over structured item
// fields. Flushes on a dirty counter and on close.
type MetadataIndex struct {
	mu sync.Mutex

	dir        string
	flushEvery int
	dirty      int

	source      map[string]map[string]struct{}
	tag         map[string]map[string]struct{}
	category    map[string]map[string]struct{}
	contentType map[string]map[string]struct{}
	eventDate   map[string]map[string]struct{}
}

// OpenMetadata loads the snapshot if present.
func OpenMetadata(dir string, flushEvery int) (*MetadataIndex, error) {
	if flushEvery <= 0 {
		flushEvery = 100
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}

	x := &MetadataIndex{
		dir:         dir,
		flushEvery:  flushEvery,
		source:      make(map[string]map[string]struct{}),
		tag:         make(map[string]map[string]struct{}),
		category:    make(map[string]map[string]struct{}),
		contentType: make(map[string]map[string]struct{}),
		eventDate:   make(map[string]map[string]struct{}),
	}

	path := filepath.Join(dir, metadataSnapshotFile)
	if data, err := os.ReadFile(path); err == nil {
		var snap metadataSnapshot
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			logging.Get(logging.CategoryIndex).Warn("metadata snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			x.source = inflate(snap.Source)
			x.tag = inflate(snap.Tag)
			x.category = inflate(snap.Category)
			x.contentType = inflate(snap.ContentType)
			x.eventDate = inflate(snap.EventDate)
		}
	}
	return x, nil
}

func inflate(src map[string][]string) map[string]map[string]struct{} {
	dst := make(map[string]map[string]struct{}, len(src))
	for k, ids := range src {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		dst[k] = set
	}
	return dst
}

func deflate(src map[string]map[string]struct{}) map[string][]string {
	dst := make(map[string][]string, len(src))
	for k, set := range src {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		dst[k] = ids
	}
	return dst
}

// Add indexes the structured fields of one item.
func (x *MetadataIndex) Add(it *types.Item) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	put := func(m map[string]map[string]struct{}, key string) {
		if key == "" {
			return
		}
		set, ok := m[key]
		if !ok {
			set = make(map[string]struct{})
			m[key] = set
		}
		set[it.ID] = struct{}{}
	}

	put(x.source, it.Source)
	for _, tag := range it.Tags {
		put(x.tag, tag)
	}
	put(x.category, it.Category)
	put(x.contentType, it.ContentType)
	if date := NormalizeDate(it.EventTime); date != "" {
		put(x.eventDate, date)
	}

	x.dirty++
	if x.dirty >= x.flushEvery {
		return x.flushLocked()
	}
	return nil
}

// Query intersects the id sets for every supplied filter field. The result
// is order-independent; a zero filter returns nil (meaning "no constraint").
func (x *MetadataIndex) Query(f MetadataFilter) map[string]struct{} {
	if f.IsZero() {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	var result map[string]struct{}
	intersect := func(set map[string]struct{}) {
		if result == nil {
			result = copySet(set)
			return
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}

	if f.Source != "" {
		intersect(x.source[f.Source])
	}
	for _, tag := range f.Tags {
		intersect(x.tag[tag])
	}
	if f.Category != "" {
		intersect(x.category[f.Category])
	}
	if f.ContentType != "" {
		intersect(x.contentType[f.ContentType])
	}
	if f.EventDate != "" {
		intersect(x.eventDate[NormalizeDate(f.EventDate)])
	}
	if f.EventTimeStart != "" || f.EventTimeEnd != "" {
		intersect(x.eventRangeLocked(NormalizeDate(f.EventTimeStart), NormalizeDate(f.EventTimeEnd)))
	}

	if result == nil {
		return map[string]struct{}{}
	}
	return result
}

// eventRangeLocked unions every event-date bucket inside [start, end].
// Empty bounds are open. Caller holds x.mu.
func (x *MetadataIndex) eventRangeLocked(start, end string) map[string]struct{} {
	out := make(map[string]struct{})
	for date, set := range x.eventDate {
		if start != "" && date < start {
			continue
		}
		if end != "" && date > end {
			continue
		}
		for id := range set {
			out[id] = struct{}{}
		}
	}
	return out
}

// Remove drops one item id from every map.
func (x *MetadataIndex) Remove(id string) error {
	return x.RemoveBatch(map[string]struct{}{id: {}})
}

// RemoveBatch drops a set of item ids from every map.
func (x *MetadataIndex) RemoveBatch(ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, m := range []map[string]map[string]struct{}{x.source, x.tag, x.category, x.contentType, x.eventDate} {
		for key, set := range m {
			for id := range ids {
				delete(set, id)
			}
			if len(set) == 0 {
				delete(m, key)
			}
		}
	}
	x.dirty++
	return x.flushLocked()
}

// Clear drops everything.
func (x *MetadataIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.source = make(map[string]map[string]struct{})
	x.tag = make(map[string]map[string]struct{})
	x.category = make(map[string]map[string]struct{})
	x.contentType = make(map[string]map[string]struct{})
	x.eventDate = make(map[string]map[string]struct{})
	x.dirty++
	return x.flushLocked()
}

// Flush persists the snapshot if anything changed.
func (x *MetadataIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.dirty == 0 {
		return nil
	}
	return x.flushLocked()
}

func (x *MetadataIndex) flushLocked() error {
	snap := metadataSnapshot{
		Source:      deflate(x.source),
		Tag:         deflate(x.tag),
		Category:    deflate(x.category),
		ContentType: deflate(x.contentType),
		EventDate:   deflate(x.eventDate),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(x.dir, metadataSnapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	x.dirty = 0
	return nil
}

// =============================================================================
// DATE NORMALIZATION
// =============================================================================

var cjkDatePattern = regexp.MustCompile(`^(\d{4})年(\d{1,2})月(\d{1,2})日?$`)

// NormalizeDate normalizes assorted date spellings to YYYY-MM-DD. Returns
// "" for inputs it cannot interpret.
func NormalizeDate(s string) string {
	if s == "" {
		return ""
	}
	if m := cjkDatePattern.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3])
	}
	layouts := []string{
		"2006-01-02",
		"2006-1-2",
		"2006/01/02",
		"2006/1/2",
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}
