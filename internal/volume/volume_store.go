// Package volume implements the sharded append-only log that canonically
// owns every ingested item. Turns are assigned monotonically; volumes are
// fixed-size buckets of turns subdivided into JSONL files. A manifest plus
// an id→turn index give O(1) lookup, with an exhaustive scan as the
// last-resort fallback so no id is ever silently lost.
package volume

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"recall/internal/logging"
	"recall/internal/types"
)

const (
	archiveDir       = "L3_archive"
	manifestFile     = "manifest.json"
	idIndexFile      = "memory_id_index.json"
	deletedFile      = "deleted_ids.json"
	volumeIndexFile  = "volume_index.json"
	manifestCheckpoint = 100 // appends between manifest rewrites
)

// Config holds volume store configuration.
type Config struct {
	Root           string
	VolumeSize     int64 // turns per volume
	FileSize       int64 // turns per data file
	PreloadVolumes int   // recent volumes kept fully in memory
}

// DefaultConfig returns the standard layout parameters.
func DefaultConfig(root string) Config {
	return Config{Root: root, VolumeSize: 100000, FileSize: 10000, PreloadVolumes: 2}
}

// Manifest is the top-level record of the archive.
type Manifest struct {
	TotalTurns   int64     `json:"total_turns"`
	LatestVolume int64     `json:"latest_volume"`
	CreatedAt    time.Time `json:"created_at"`
}

// volumeIndex is the per-volume directory record.
type volumeIndex struct {
	Volume    int64    `json:"volume"`
	FirstTurn int64    `json:"first_turn"`
	LastTurn  int64    `json:"last_turn"` // last turn actually written
	Files     []string `json:"files"`
}

// Store is the volume-sharded append log.
type Store struct {
	cfg Config

	mu       sync.RWMutex
	manifest Manifest
	idIndex  map[string]int64 // item id -> turn
	deleted  map[string]bool  // item id -> tombstoned

	// cache maps volume number -> turn -> item for fully loaded volumes.
	cache      map[int64]map[int64]*types.Item
	cacheOrder []int64 // load order for eviction

	volLocks map[int64]*sync.Mutex // per-volume append serialization

	sinceCheckpoint int
}

// Open loads (or initializes) a store rooted at cfg.Root. A partial trailing
// line in any data file is tolerated and skipped.
func Open(cfg Config) (*Store, error) {
	if cfg.VolumeSize <= 0 {
		cfg.VolumeSize = 100000
	}
	if cfg.FileSize <= 0 {
		cfg.FileSize = 10000
	}
	if cfg.PreloadVolumes <= 0 {
		cfg.PreloadVolumes = 2
	}

	if err := os.MkdirAll(filepath.Join(cfg.Root, archiveDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	s := &Store{
		cfg:      cfg,
		idIndex:  make(map[string]int64),
		deleted:  make(map[string]bool),
		cache:    make(map[int64]map[int64]*types.Item),
		volLocks: make(map[int64]*sync.Mutex),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	logging.Volume("volume store opened: root=%s turns=%d latest_volume=%d",
		cfg.Root, s.manifest.TotalTurns, s.manifest.LatestVolume)
	return s, nil
}

func (s *Store) load() error {
	// Manifest.
	data, err := os.ReadFile(filepath.Join(s.cfg.Root, manifestFile))
	switch {
	case os.IsNotExist(err):
		s.manifest = Manifest{CreatedAt: time.Now().UTC()}
	case err != nil:
		return fmt.Errorf("failed to read manifest: %w", err)
	default:
		if jsonErr := json.Unmarshal(data, &s.manifest); jsonErr != nil {
			logging.Get(logging.CategoryVolume).Warn("manifest unreadable, recounting from data files: %v", jsonErr)
			s.manifest = Manifest{CreatedAt: time.Now().UTC()}
		}
	}

	// Id index snapshot (best effort; getByID falls back to a scan).
	if data, err := os.ReadFile(filepath.Join(s.cfg.Root, idIndexFile)); err == nil {
		if jsonErr := json.Unmarshal(data, &s.idIndex); jsonErr != nil {
			logging.Get(logging.CategoryVolume).Warn("id index unreadable, will rebuild lazily: %v", jsonErr)
			s.idIndex = make(map[string]int64)
		}
	}

	// Tombstones.
	if data, err := os.ReadFile(filepath.Join(s.cfg.Root, deletedFile)); err == nil {
		var ids []string
		if json.Unmarshal(data, &ids) == nil {
			for _, id := range ids {
				s.deleted[id] = true
			}
		}
	}

	// Reconcile the manifest against what is actually on disk: a crash may
	// have appended lines after the last manifest checkpoint.
	actual, latest, err := s.recountFromDisk()
	if err != nil {
		return err
	}
	if actual > s.manifest.TotalTurns {
		logging.Volume("manifest behind data files (%d < %d), adopting disk state",
			s.manifest.TotalTurns, actual)
		s.manifest.TotalTurns = actual
	}
	if latest > s.manifest.LatestVolume {
		s.manifest.LatestVolume = latest
	}

	// Preload the most recent volumes.
	start := s.manifest.LatestVolume - int64(s.cfg.PreloadVolumes) + 1
	if start < 0 {
		start = 0
	}
	for v := start; v <= s.manifest.LatestVolume; v++ {
		if _, err := s.loadVolumeLocked(v); err != nil {
			return err
		}
	}

	// Index any item the snapshot missed.
	for _, items := range s.cache {
		for turn, it := range items {
			if _, ok := s.idIndex[it.ID]; !ok {
				s.idIndex[it.ID] = turn
			}
		}
	}

	return s.writeManifestLocked()
}

// recountFromDisk returns the true total turn count and latest volume by
// scanning directory listings plus the tail data file.
func (s *Store) recountFromDisk() (total int64, latest int64, err error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Root, archiveDir))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list archive: %w", err)
	}

	var volumes []int64
	for _, e := range entries {
		var v int64
		if _, scanErr := fmt.Sscanf(e.Name(), "volume_%d", &v); scanErr == nil && e.IsDir() {
			volumes = append(volumes, v)
		}
	}
	if len(volumes) == 0 {
		return 0, 0, nil
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i] < volumes[j] })
	latest = volumes[len(volumes)-1]

	// Find the tail file of the latest volume and count its valid lines.
	dir := s.volumeDir(latest)
	files, err := filepath.Glob(filepath.Join(dir, "turns_*.jsonl"))
	if err != nil || len(files) == 0 {
		return latest * s.cfg.VolumeSize, latest, nil
	}
	sort.Strings(files)
	tail := files[len(files)-1]

	var firstTurn int64
	base := filepath.Base(tail)
	if _, scanErr := fmt.Sscanf(base, "turns_%d_", &firstTurn); scanErr != nil {
		return latest * s.cfg.VolumeSize, latest, nil
	}

	count, err := countValidLines(tail)
	if err != nil {
		return 0, 0, err
	}
	return firstTurn + count, latest, nil
}

func countValidLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var probe types.Item
		if json.Unmarshal([]byte(line), &probe) != nil {
			// Partial trailing line after a crash; everything past it is
			// unreadable anyway.
			break
		}
		n++
	}
	return n, sc.Err()
}

// =============================================================================
// PATH HELPERS
// =============================================================================

func (s *Store) volumeDir(vol int64) string {
	return filepath.Join(s.cfg.Root, archiveDir, fmt.Sprintf("volume_%04d", vol))
}

func (s *Store) dataFile(turn int64) string {
	vol := turn / s.cfg.VolumeSize
	first := (turn / s.cfg.FileSize) * s.cfg.FileSize
	last := first + s.cfg.FileSize - 1
	return filepath.Join(s.volumeDir(vol), fmt.Sprintf("turns_%010d_%010d.jsonl", first, last))
}

func (s *Store) volLock(vol int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.volLocks[vol]
	if !ok {
		l = &sync.Mutex{}
		s.volLocks[vol] = l
	}
	return l
}

// =============================================================================
// APPEND
// =============================================================================

// Append assigns the next turn number to the item, persists it as one JSONL
// record, and returns the assigned turn. Append is the only operation that
// advances total_turns.
func (s *Store) Append(item *types.Item) (int64, error) {
	s.mu.Lock()
	turn := s.manifest.TotalTurns
	vol := turn / s.cfg.VolumeSize
	s.mu.Unlock()

	lock := s.volLock(vol)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	// Re-read under the volume lock: another append may have raced us to a
	// new turn (and possibly a new volume, in which case retry the lock).
	turn = s.manifest.TotalTurns
	if turn/s.cfg.VolumeSize != vol {
		s.mu.Unlock()
		return s.Append(item)
	}
	item.TurnNumber = turn
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	path := s.dataFile(turn)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create volume dir: %w", err)
	}

	line, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("failed to encode item: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to append item: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close data file: %w", err)
	}

	s.mu.Lock()
	s.manifest.TotalTurns = turn + 1
	if vol > s.manifest.LatestVolume {
		s.manifest.LatestVolume = vol
	}
	s.idIndex[item.ID] = turn
	if items, ok := s.cache[vol]; ok {
		items[turn] = item
	} else {
		s.cache[vol] = map[int64]*types.Item{turn: item}
		s.cacheOrder = append(s.cacheOrder, vol)
		s.evictLocked()
	}
	s.sinceCheckpoint++
	checkpoint := s.sinceCheckpoint >= manifestCheckpoint
	if checkpoint {
		s.sinceCheckpoint = 0
	}
	s.mu.Unlock()

	if checkpoint {
		s.mu.Lock()
		err := s.writeManifestLocked()
		s.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}

	logging.VolumeDebug("appended item %s at turn %d (volume %d)", item.ID, turn, vol)
	return turn, nil
}

// =============================================================================
// LOOKUP
// =============================================================================

// GetByTurn returns the item at a turn number, or ErrNotFound.
func (s *Store) GetByTurn(turn int64) (*types.Item, error) {
	s.mu.RLock()
	total := s.manifest.TotalTurns
	s.mu.RUnlock()
	if turn < 0 || turn >= total {
		return nil, types.ErrNotFound
	}

	vol := turn / s.cfg.VolumeSize
	s.mu.RLock()
	if items, ok := s.cache[vol]; ok {
		if it, ok := items[turn]; ok && !s.deleted[it.ID] {
			s.mu.RUnlock()
			return it, nil
		}
		s.mu.RUnlock()
		return nil, types.ErrNotFound
	}
	s.mu.RUnlock()

	s.mu.Lock()
	items, err := s.loadVolumeLocked(vol)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	it, ok := items[turn]
	if !ok {
		return nil, types.ErrNotFound
	}
	s.mu.RLock()
	dead := s.deleted[it.ID]
	s.mu.RUnlock()
	if dead {
		return nil, types.ErrNotFound
	}
	return it, nil
}

// GetByID returns the item for an id. The in-memory index is consulted
// first; on a miss the store scans every volume file so that an id present
// on disk is always found, even after an index rebuild.
func (s *Store) GetByID(id string) (*types.Item, error) {
	s.mu.RLock()
	if s.deleted[id] {
		s.mu.RUnlock()
		return nil, types.ErrNotFound
	}
	turn, ok := s.idIndex[id]
	s.mu.RUnlock()

	if ok {
		it, err := s.GetByTurn(turn)
		if err == nil && it.ID == id {
			return it, nil
		}
		// Stale index entry; fall through to the scan.
	}

	var found *types.Item
	err := s.scanAll(func(it *types.Item) bool {
		if it.ID == id {
			found = it
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.ErrNotFound
	}

	s.mu.Lock()
	s.idIndex[id] = found.TurnNumber
	s.mu.Unlock()
	return found, nil
}

// SearchContent returns up to maxResults items whose content contains the
// literal substring. scope, when non-nil, filters to a single tenant. The
// scan is exhaustive over all volumes.
func (s *Store) SearchContent(substr string, maxResults int, scope *types.Scope) ([]*types.Item, error) {
	if substr == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 50
	}

	var out []*types.Item
	err := s.scanAll(func(it *types.Item) bool {
		if scope != nil && !it.Scope.Equal(*scope) {
			return true
		}
		if strings.Contains(it.Content, substr) {
			out = append(out, it)
			if len(out) >= maxResults {
				return false
			}
		}
		return true
	})
	return out, err
}

// Count returns the number of live (non-deleted) items.
func (s *Store) Count() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.TotalTurns - int64(len(s.deleted))
}

// TotalTurns returns the number of turns ever assigned.
func (s *Store) TotalTurns() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest.TotalTurns
}

// =============================================================================
// DELETE / CLEAR
// =============================================================================

// Delete tombstones an item. The underlying log entry is never rewritten;
// the id simply stops resolving.
func (s *Store) Delete(id string) error {
	s.mu.RLock()
	_, indexed := s.idIndex[id]
	dead := s.deleted[id]
	s.mu.RUnlock()

	if dead {
		return types.ErrNotFound
	}
	if !indexed {
		// The id may still exist on disk without an index entry; verify.
		if _, err := s.GetByID(id); err != nil {
			return types.ErrNotFound
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = true
	return s.writeDeletedLocked()
}

// Clear erases all volumes and resets the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.cfg.Root, archiveDir)); err != nil {
		return fmt.Errorf("failed to remove archive: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.cfg.Root, archiveDir), 0o755); err != nil {
		return err
	}
	os.Remove(filepath.Join(s.cfg.Root, idIndexFile))
	os.Remove(filepath.Join(s.cfg.Root, deletedFile))

	s.manifest = Manifest{CreatedAt: time.Now().UTC()}
	s.idIndex = make(map[string]int64)
	s.deleted = make(map[string]bool)
	s.cache = make(map[int64]map[int64]*types.Item)
	s.cacheOrder = nil
	s.sinceCheckpoint = 0
	return s.writeManifestLocked()
}

// =============================================================================
// FLUSH / CLOSE
// =============================================================================

// Flush force-persists the manifest, the id index and the tombstone set.
// Data lines are already durable at append time.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeManifestLocked(); err != nil {
		return err
	}
	if err := s.writeIDIndexLocked(); err != nil {
		return err
	}
	if err := s.writeDeletedLocked(); err != nil {
		return err
	}
	// Volume index files describe loaded volumes.
	for vol, items := range s.cache {
		if err := s.writeVolumeIndexLocked(vol, items); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}

func (s *Store) writeManifestLocked() error {
	return writeJSONAtomic(filepath.Join(s.cfg.Root, manifestFile), s.manifest)
}

func (s *Store) writeIDIndexLocked() error {
	return writeJSONAtomic(filepath.Join(s.cfg.Root, idIndexFile), s.idIndex)
}

func (s *Store) writeDeletedLocked() error {
	ids := make([]string, 0, len(s.deleted))
	for id := range s.deleted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return writeJSONAtomic(filepath.Join(s.cfg.Root, deletedFile), ids)
}

func (s *Store) writeVolumeIndexLocked(vol int64, items map[int64]*types.Item) error {
	// Preloading caches a volume before its first append creates the
	// directory.
	if err := os.MkdirAll(s.volumeDir(vol), 0o755); err != nil {
		return err
	}
	idx := volumeIndex{
		Volume:    vol,
		FirstTurn: vol * s.cfg.VolumeSize,
		LastTurn:  -1,
	}
	for turn := range items {
		if turn > idx.LastTurn {
			idx.LastTurn = turn
		}
	}
	files, _ := filepath.Glob(filepath.Join(s.volumeDir(vol), "turns_*.jsonl"))
	sort.Strings(files)
	for _, f := range files {
		idx.Files = append(idx.Files, filepath.Base(f))
	}
	return writeJSONAtomic(filepath.Join(s.volumeDir(vol), volumeIndexFile), idx)
}

// writeJSONAtomic writes via a temp file + rename so readers never observe
// a torn snapshot.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// =============================================================================
// LOADING / SCANNING
// =============================================================================

// loadVolumeLocked loads every data file of a volume into the cache.
// Caller holds s.mu.
func (s *Store) loadVolumeLocked(vol int64) (map[int64]*types.Item, error) {
	if items, ok := s.cache[vol]; ok {
		return items, nil
	}

	items := make(map[int64]*types.Item)
	dir := s.volumeDir(vol)
	files, err := filepath.Glob(filepath.Join(dir, "turns_*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	for _, path := range files {
		if err := readItemsFile(path, func(it *types.Item) bool {
			items[it.TurnNumber] = it
			return true
		}); err != nil {
			return nil, err
		}
	}

	s.cache[vol] = items
	s.cacheOrder = append(s.cacheOrder, vol)
	s.evictLocked()
	logging.VolumeDebug("loaded volume %d (%d items)", vol, len(items))
	return items, nil
}

// evictLocked drops the oldest loaded volumes beyond the preload budget,
// never evicting the latest volume.
func (s *Store) evictLocked() {
	budget := s.cfg.PreloadVolumes
	if budget < 1 {
		budget = 1
	}
	for len(s.cacheOrder) > budget {
		victim := s.cacheOrder[0]
		if victim == s.manifest.LatestVolume {
			if len(s.cacheOrder) == 1 {
				return
			}
			// Keep the tail hot; rotate it to the back.
			s.cacheOrder = append(s.cacheOrder[1:], victim)
			continue
		}
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, victim)
	}
}

func readItemsFile(path string, fn func(*types.Item) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var it types.Item
		if err := json.Unmarshal([]byte(line), &it); err != nil {
			// Partial trailing line after a crash; skip.
			logging.Get(logging.CategoryVolume).Warn("skipping unreadable line in %s: %v", path, err)
			continue
		}
		if !fn(&it) {
			return nil
		}
	}
	return sc.Err()
}

// scanAll visits every live item across all volumes in turn order. fn
// returns false to stop early. Loaded volumes are served from cache;
// unloaded volumes are streamed without being cached.
func (s *Store) scanAll(fn func(*types.Item) bool) error {
	s.mu.RLock()
	latest := s.manifest.LatestVolume
	total := s.manifest.TotalTurns
	s.mu.RUnlock()

	if total == 0 {
		return nil
	}

	for vol := int64(0); vol <= latest; vol++ {
		s.mu.RLock()
		cached, ok := s.cache[vol]
		s.mu.RUnlock()

		if ok {
			turns := make([]int64, 0, len(cached))
			for t := range cached {
				turns = append(turns, t)
			}
			sort.Slice(turns, func(i, j int) bool { return turns[i] < turns[j] })
			for _, t := range turns {
				it := cached[t]
				s.mu.RLock()
				dead := s.deleted[it.ID]
				s.mu.RUnlock()
				if dead {
					continue
				}
				if !fn(it) {
					return nil
				}
			}
			continue
		}

		dir := s.volumeDir(vol)
		files, err := filepath.Glob(filepath.Join(dir, "turns_*.jsonl"))
		if err != nil {
			return err
		}
		sort.Strings(files)
		stopped := false
		for _, path := range files {
			if err := readItemsFile(path, func(it *types.Item) bool {
				s.mu.RLock()
				dead := s.deleted[it.ID]
				s.mu.RUnlock()
				if dead {
					return true
				}
				if !fn(it) {
					stopped = true
					return false
				}
				return true
			}); err != nil {
				return err
			}
			if stopped {
				return nil
			}
		}
	}
	return nil
}

// =============================================================================
// CURSOR
// =============================================================================

// Cursor is a restartable iterator over live items in turn order. Consumers
// drain until their budget is met.
type Cursor struct {
	store *Store
	turn  int64
}

// NewCursor returns a cursor positioned at turn 0.
func (s *Store) NewCursor() *Cursor {
	return &Cursor{store: s}
}

// Next returns the next live item, or nil when exhausted.
func (c *Cursor) Next() (*types.Item, error) {
	for {
		c.store.mu.RLock()
		total := c.store.manifest.TotalTurns
		c.store.mu.RUnlock()
		if c.turn >= total {
			return nil, nil
		}
		it, err := c.store.GetByTurn(c.turn)
		c.turn++
		if err == types.ErrNotFound {
			continue // deleted turn
		}
		if err != nil {
			return nil, err
		}
		return it, nil
	}
}

// Reset rewinds the cursor to turn 0.
func (c *Cursor) Reset() { c.turn = 0 }
