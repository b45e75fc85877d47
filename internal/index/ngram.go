package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"recall/internal/logging"
)

const ngramSnapshotFile = "ngram_index.json"

// NgramIndex maps noun phrases onto item ids: CJK runs decompose into
// 2–4 character grams, ASCII words of length >= 3 index whole (lowercased),
// stop words are dropped. This is the substring-robust fallback that keeps
// recall close to 100% for tokens the keyword and semantic layers miss.
type NgramIndex struct {
	mu sync.Mutex

	dir   string
	m     map[string]map[string]struct{}
	dirty bool
}

// OpenNgram loads the snapshot if present.
func OpenNgram(dir string) (*NgramIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}
	idx := &NgramIndex{dir: dir, m: make(map[string]map[string]struct{})}

	path := filepath.Join(dir, ngramSnapshotFile)
	if data, err := os.ReadFile(path); err == nil {
		var snap map[string][]string
		if jsonErr := json.Unmarshal(data, &snap); jsonErr != nil {
			logging.Get(logging.CategoryIndex).Warn("ngram snapshot unreadable, starting empty: %v", jsonErr)
		} else {
			for gram, ids := range snap {
				set := make(map[string]struct{}, len(ids))
				for _, id := range ids {
					set[id] = struct{}{}
				}
				idx.m[gram] = set
			}
		}
	}
	return idx, nil
}

// Add decomposes content into phrases and indexes them under the item id.
func (x *NgramIndex) Add(itemID, content string) {
	phrases := ExtractPhrases(content)
	if len(phrases) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range phrases {
		set, ok := x.m[p]
		if !ok {
			set = make(map[string]struct{})
			x.m[p] = set
		}
		set[itemID] = struct{}{}
	}
	x.dirty = true
}

// Search decomposes the query the same way and returns the union of ids.
func (x *NgramIndex) Search(query string) map[string]struct{} {
	phrases := ExtractPhrases(query)
	x.mu.Lock()
	defer x.mu.Unlock()

	result := make(map[string]struct{})
	for _, p := range phrases {
		for id := range x.m[p] {
			result[id] = struct{}{}
		}
	}
	return result
}

// RemoveByIDs drops item ids from every posting list.
func (x *NgramIndex) RemoveByIDs(ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for gram, set := range x.m {
		for id := range ids {
			delete(set, id)
		}
		if len(set) == 0 {
			delete(x.m, gram)
		}
	}
	x.dirty = true
}

// Clear drops everything.
func (x *NgramIndex) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.m = make(map[string]map[string]struct{})
	x.dirty = true
	return x.flushLocked()
}

// Flush persists the snapshot if dirty.
func (x *NgramIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.dirty {
		return nil
	}
	return x.flushLocked()
}

func (x *NgramIndex) flushLocked() error {
	snap := make(map[string][]string, len(x.m))
	for gram, set := range x.m {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		snap[gram] = ids
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(x.dir, ngramSnapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	x.dirty = false
	return nil
}

// Grams returns the number of distinct phrases indexed.
func (x *NgramIndex) Grams() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.m)
}

// =============================================================================
// PHRASE EXTRACTION
// =============================================================================

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func isASCIIWordRune(r rune) bool {
	return r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// ExtractPhrases decomposes text into the indexable noun phrases: all 2–4
// gram windows over CJK runs plus lowercased ASCII words of length >= 3,
// minus stop words.
func ExtractPhrases(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	runes := []rune(text)
	n := len(runes)
	for i := 0; i < n; {
		r := runes[i]
		switch {
		case isCJK(r):
			j := i
			for j < n && isCJK(runes[j]) {
				j++
			}
			run := runes[i:j]
			for size := 2; size <= 4; size++ {
				for k := 0; k+size <= len(run); k++ {
					add(string(run[k : k+size]))
				}
			}
			i = j
		case isASCIIWordRune(r):
			j := i
			for j < n && isASCIIWordRune(runes[j]) {
				j++
			}
			word := strings.ToLower(string(runes[i:j]))
			if len(word) >= 3 && !IsStopWord(word) {
				add(word)
			}
			i = j
		default:
			i++
		}
	}
	return out
}
