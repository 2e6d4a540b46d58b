// Package dictionary implements guaranteed redaction of administrator
// supplied terms. Matching is driven by an immutable length-bucketed index
// that is rebuilt and atomically swapped on every mutation, so the scan path
// never takes a lock. Entries persist in the store's dictionary bucket keyed
// by insertion sequence, which makes listing order fall out of key order.
package dictionary

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"anonamoose/internal/store"
)

var (
	// ErrConflict marks an add whose term already exists under another id.
	ErrConflict = errors.New("dictionary term already exists")
	// ErrInvalidInput marks a malformed entry or request.
	ErrInvalidInput = errors.New("invalid dictionary input")
)

// MaxTermLength caps terms at 1000 characters.
const MaxTermLength = 1000

// Category tags every dictionary detection and binding.
const Category = "CUSTOM"

// Entry is one guaranteed-redaction rule. Replacement, when set, substitutes
// a fixed string instead of a minted placeholder; such matches are not
// rehydratable, which is the point of a hard alias.
type Entry struct {
	ID            string    `json:"id"`
	Term          string    `json:"term"`
	Replacement   string    `json:"replacement,omitempty"`
	CaseSensitive bool      `json:"caseSensitive"`
	WholeWord     bool      `json:"wholeWord"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
}

// index is the immutable scan structure. Only enabled entries exist here;
// the lowercase-term-uniqueness invariant means each bucket slot holds at
// most one entry.
type index struct {
	entries []Entry                  // insertion order
	byTerm  map[string]Entry         // lowered term -> entry
	lengths []int                    // distinct rune lengths, descending
	buckets map[int]map[string]Entry // rune length -> lowered term -> entry
}

func buildIndex(entries []Entry) *index {
	idx := &index{
		entries: entries,
		byTerm:  make(map[string]Entry, len(entries)),
		buckets: make(map[int]map[string]Entry),
	}
	for _, e := range entries {
		key := lowerKey(e.Term)
		idx.byTerm[key] = e
		n := utf8.RuneCountInString(e.Term)
		b, ok := idx.buckets[n]
		if !ok {
			b = make(map[string]Entry)
			idx.buckets[n] = b
			idx.lengths = append(idx.lengths, n)
		}
		b[key] = e
	}
	sort.Sort(sort.Reverse(sort.IntSlice(idx.lengths)))
	return idx
}

// lowerKey lowers rune by rune so index keys and scan probes always agree,
// including on the handful of code points where strings.ToLower changes the
// rune count.
func lowerKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

// Dictionary owns the durable entries and the scan index. Reads go through
// the atomic index pointer; mutations serialize on mu and swap in a freshly
// built index after the write transaction commits.
type Dictionary struct {
	store *store.Store
	log   *zap.Logger

	mu      sync.Mutex
	keyByID map[string]uint64 // entry id -> bucket sequence key
	idx     atomic.Pointer[index]

	now func() time.Time
}

// New loads all persisted entries and builds the initial index.
func New(st *store.Store, log *zap.Logger) (*Dictionary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dictionary{
		store:   st,
		log:     log,
		keyByID: make(map[string]uint64),
		now:     time.Now,
	}
	var entries []Entry
	err := st.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(store.BucketDict).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				d.log.Warn("skipping undecodable dictionary row", zap.Error(err))
				return nil
			}
			d.keyByID[e.ID] = binary.BigEndian.Uint64(k)
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}
	d.idx.Store(buildIndex(entries))
	if len(entries) > 0 {
		d.log.Info("dictionary loaded", zap.Int("terms", len(entries)))
	}
	return d, nil
}

// Add validates and persists entries, then swaps the index. Enabled entries
// insert or upsert (same id may change its term); an entry arriving with
// enabled=false removes its term instead. A term held by a different id is
// ErrConflict and nothing in the batch is applied.
func (d *Dictionary) Add(entries []Entry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidInput)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.idx.Load().entries
	terms := make(map[string]Entry, len(cur)) // lowered term -> entry
	ids := make(map[string]Entry, len(cur))
	for _, e := range cur {
		terms[lowerKey(e.Term)] = e
		ids[e.ID] = e
	}

	removed := make(map[string]bool) // ids whose rows get deleted
	upserts := make(map[string]Entry)
	var inserts []Entry
	pending := make(map[string]int) // id -> index in inserts, for same-batch rewrites
	now := d.now()

	for _, e := range entries {
		if e.Term == "" || utf8.RuneCountInString(e.Term) > MaxTermLength {
			return fmt.Errorf("%w: term must be 1 to %d characters", ErrInvalidInput, MaxTermLength)
		}
		key := lowerKey(e.Term)
		if !e.Enabled {
			if old, ok := terms[key]; ok {
				removed[old.ID] = true
				delete(upserts, old.ID)
				delete(terms, key)
				delete(ids, old.ID)
			}
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if old, ok := terms[key]; ok && old.ID != e.ID {
			return fmt.Errorf("%w: %q", ErrConflict, e.Term)
		}
		if old, ok := ids[e.ID]; ok {
			delete(terms, lowerKey(old.Term))
			terms[key] = e
			ids[e.ID] = e
			if j, isPending := pending[e.ID]; isPending {
				inserts[j] = e
			} else {
				upserts[e.ID] = e
			}
			continue
		}
		terms[key] = e
		ids[e.ID] = e
		pending[e.ID] = len(inserts)
		inserts = append(inserts, e)
	}
	// An insert disabled later in the same batch never touches the store.
	kept := inserts[:0]
	for _, e := range inserts {
		if !removed[e.ID] {
			kept = append(kept, e)
		}
	}
	inserts = kept

	newKeys := make(map[string]uint64, len(inserts))
	err := d.store.DB().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(store.BucketDict)
		for id := range removed {
			if seq, ok := d.keyByID[id]; ok {
				if err := b.Delete(seqKey(seq)); err != nil {
					return err
				}
			}
		}
		for id, e := range upserts {
			seq, ok := d.keyByID[id]
			if !ok {
				continue
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), raw); err != nil {
				return err
			}
		}
		for _, e := range inserts {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), raw); err != nil {
				return err
			}
			newKeys[e.ID] = seq
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist dictionary: %w", err)
	}

	for id := range removed {
		delete(d.keyByID, id)
	}
	for id, seq := range newKeys {
		d.keyByID[id] = seq
	}
	d.swapIndex(ids)
	return nil
}

// RemoveByID deletes entries by id and reports how many existed.
func (d *Dictionary) RemoveByID(idList []string) (int, error) {
	return d.remove(func(e Entry) bool {
		for _, id := range idList {
			if e.ID == id {
				return true
			}
		}
		return false
	})
}

// RemoveByTerm deletes entries by case-insensitive term and reports how
// many existed.
func (d *Dictionary) RemoveByTerm(termList []string) (int, error) {
	keys := make(map[string]bool, len(termList))
	for _, t := range termList {
		keys[lowerKey(t)] = true
	}
	return d.remove(func(e Entry) bool { return keys[lowerKey(e.Term)] })
}

// Clear deletes every entry and reports how many existed.
func (d *Dictionary) Clear() (int, error) {
	return d.remove(func(Entry) bool { return true })
}

func (d *Dictionary) remove(match func(Entry) bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.idx.Load().entries
	ids := make(map[string]Entry, len(cur))
	var victims []string
	for _, e := range cur {
		if match(e) {
			victims = append(victims, e.ID)
			continue
		}
		ids[e.ID] = e
	}
	if len(victims) == 0 {
		return 0, nil
	}

	err := d.store.DB().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(store.BucketDict)
		for _, id := range victims {
			if seq, ok := d.keyByID[id]; ok {
				if err := b.Delete(seqKey(seq)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("persist dictionary: %w", err)
	}

	for _, id := range victims {
		delete(d.keyByID, id)
	}
	d.swapIndex(ids)
	return len(victims), nil
}

// swapIndex rebuilds the index from the id map, restoring insertion order
// from the sequence keys. Caller holds mu.
func (d *Dictionary) swapIndex(ids map[string]Entry) {
	final := make([]Entry, 0, len(ids))
	for _, e := range ids {
		final = append(final, e)
	}
	sort.Slice(final, func(i, j int) bool { return d.keyByID[final[i].ID] < d.keyByID[final[j].ID] })
	d.idx.Store(buildIndex(final))
}

// List returns the entries in insertion order.
func (d *Dictionary) List() []Entry {
	cur := d.idx.Load().entries
	out := make([]Entry, len(cur))
	copy(out, cur)
	return out
}

// HasTerm reports case-insensitive membership.
func (d *Dictionary) HasTerm(term string) bool {
	_, ok := d.idx.Load().byTerm[lowerKey(term)]
	return ok
}

// Count returns the number of entries.
func (d *Dictionary) Count() int {
	return len(d.idx.Load().entries)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
