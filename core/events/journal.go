package events

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"payoutmgr/core/types"
	"payoutmgr/storage"
)

var (
	journalHeadKey     = []byte("journal/head")
	journalEntryPrefix = []byte("journal/entry/")
)

// Entry is a journaled audit record.
type Entry struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Timestamp int64             `json:"timestamp"`
	Type      string            `json:"type"`
	Attrs     map[string]string `json:"attributes"`
}

type storedEntry struct {
	ID        string
	Seq       uint64
	Timestamp uint64
	Type      string
	Keys      []string
	Values    []string
}

// Journal persists audit records in append order. Writers that must not
// report a mutation without its record call Record before committing and
// Retract if the commit fails.
type Journal struct {
	db    storage.Database
	clock func() time.Time

	mu   sync.Mutex
	head uint64
}

// NewJournal opens a journal on top of the supplied database, resuming the
// sequence counter from any previously stored head.
func NewJournal(db storage.Database) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	j := &Journal{db: db, clock: time.Now}
	raw, err := db.Get(journalHeadKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("journal: load head: %w", err)
	default:
		if len(raw) != 8 {
			return nil, fmt.Errorf("journal: corrupt head (%d bytes)", len(raw))
		}
		j.head = binary.BigEndian.Uint64(raw)
	}
	return j, nil
}

// SetClock overrides the time source (primarily for deterministic testing).
func (j *Journal) SetClock(clock func() time.Time) {
	if j == nil || clock == nil {
		return
	}
	j.clock = clock
}

// Append stores the event and returns the journaled entry.
func (j *Journal) Append(evt *types.Event) (*Entry, error) {
	if j == nil {
		return nil, fmt.Errorf("journal not initialised")
	}
	if evt == nil {
		return nil, fmt.Errorf("journal: event required")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = evt.Attributes[k]
	}
	now := j.clock().UTC().Unix()
	if now < 0 {
		now = 0
	}
	stored := storedEntry{
		ID:        uuid.NewString(),
		Seq:       j.head,
		Timestamp: uint64(now),
		Type:      evt.Type,
		Keys:      keys,
		Values:    values,
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return nil, fmt.Errorf("journal: encode: %w", err)
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], j.head+1)
	batch := j.db.NewBatch()
	batch.Put(entryKey(stored.Seq), encoded)
	batch.Put(journalHeadKey, head[:])
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("journal: write entry %d: %w", stored.Seq, err)
	}
	j.head++
	return fromStored(&stored), nil
}

// Record appends evt and returns its sequence number.
func (j *Journal) Record(evt *types.Event) (uint64, error) {
	entry, err := j.Append(evt)
	if err != nil {
		return 0, err
	}
	return entry.Seq, nil
}

// Retract removes the newest entry. Only the head entry can be retracted.
func (j *Journal) Retract(seq uint64) error {
	if j == nil {
		return fmt.Errorf("journal not initialised")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.head == 0 || seq != j.head-1 {
		return fmt.Errorf("journal: entry %d is not the newest (head %d)", seq, j.head)
	}
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], seq)
	batch := j.db.NewBatch()
	batch.Delete(entryKey(seq))
	batch.Put(journalHeadKey, head[:])
	if err := batch.Write(); err != nil {
		return fmt.Errorf("journal: retract entry %d: %w", seq, err)
	}
	j.head = seq
	return nil
}

// Len reports the number of journaled entries.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// List returns up to limit entries starting at sequence from (inclusive).
func (j *Journal) List(from uint64, limit int) ([]Entry, error) {
	if j == nil {
		return nil, fmt.Errorf("journal not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	j.mu.Lock()
	head := j.head
	j.mu.Unlock()

	out := make([]Entry, 0)
	for seq := from; seq < head && len(out) < limit; seq++ {
		raw, err := j.db.Get(entryKey(seq))
		if errors.Is(err, storage.ErrNotFound) {
			// Retracted while listing.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("journal: load entry %d: %w", seq, err)
		}
		var stored storedEntry
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, fmt.Errorf("journal: decode entry %d: %w", seq, err)
		}
		out = append(out, *fromStored(&stored))
	}
	return out, nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(journalEntryPrefix)+8)
	copy(key, journalEntryPrefix)
	binary.BigEndian.PutUint64(key[len(journalEntryPrefix):], seq)
	return key
}

func fromStored(s *storedEntry) *Entry {
	attrs := make(map[string]string, len(s.Keys))
	for i, k := range s.Keys {
		if i < len(s.Values) {
			attrs[k] = s.Values[i]
		}
	}
	return &Entry{
		ID:        s.ID,
		Seq:       s.Seq,
		Timestamp: int64(s.Timestamp),
		Type:      s.Type,
		Attrs:     attrs,
	}
}
