package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"payerx/core/events"
	"payerx/core/state"
	"payerx/core/types"
)

var (
	journalEntryPrefix = []byte("journal/entry/")
	journalHeadKey     = []byte("journal/head")
)

// ErrBrokenChain reports a journal entry whose hash link does not verify.
var ErrBrokenChain = errors.New("storage: journal hash chain broken")

// Attribute is one key/value pair of a journaled event.
type Attribute struct {
	Key   string
	Value string
}

// Entry is one journaled event. Hash commits to PrevHash and every other
// field, so rewriting any past entry breaks all later links.
type Entry struct {
	Seq        uint64
	Time       uint64
	Type       string
	Attributes []Attribute
	PrevHash   []byte
	Hash       []byte
}

type entryBody struct {
	Seq        uint64
	Time       uint64
	Type       string
	Attributes []Attribute
}

type journalHead struct {
	Seq  uint64
	Hash []byte
}

// Timestamp returns the commit time of the entry.
func (e Entry) Timestamp() time.Time { return time.Unix(0, int64(e.Time)).UTC() }

// Event returns the entry as a wire event.
func (e Entry) Event() *types.Event {
	attrs := make(map[string]string, len(e.Attributes))
	for _, a := range e.Attributes {
		attrs[a.Key] = a.Value
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}

func (e Entry) body() entryBody {
	return entryBody{Seq: e.Seq, Time: e.Time, Type: e.Type, Attributes: e.Attributes}
}

func chainHash(prev []byte, body entryBody) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, err
	}
	h := blake3.New(32, nil)
	h.Write(prev)
	h.Write(enc)
	return h.Sum(nil), nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(journalEntryPrefix)+8)
	copy(key, journalEntryPrefix)
	binary.BigEndian.PutUint64(key[len(journalEntryPrefix):], seq)
	return key
}

// Journal is an append-only, hash-chained log of committed events. It
// implements state.Committer.
type Journal struct {
	mu   sync.Mutex
	db   Database
	seq  uint64
	head []byte
}

// OpenJournal resumes the journal stored in db.
func OpenJournal(db Database) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("storage: journal database required")
	}
	j := &Journal{db: db, head: make([]byte, 32)}
	raw, err := db.Get(journalHeadKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return j, nil
	case err != nil:
		return nil, fmt.Errorf("load journal head: %w", err)
	}
	var head journalHead
	if err := rlp.DecodeBytes(raw, &head); err != nil {
		return nil, fmt.Errorf("decode journal head: %w", err)
	}
	j.seq, j.head = head.Seq, head.Hash
	return j, nil
}

// Head returns the sequence number and hash of the newest entry.
func (j *Journal) Head() (uint64, []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, append([]byte(nil), j.head...)
}

// Commit appends every event of the batch in one atomic write.
func (j *Journal) Commit(_ context.Context, batch state.Batch) error {
	_, err := j.AppendBatch(batch)
	return err
}

// Append journals one event and returns its entry.
func (j *Journal) Append(at time.Time, evt events.Event) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries, _, err := j.write(at, []events.Event{evt})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// AppendBatch writes the entries of every event and the new head together.
// Either all of them land or the journal is unchanged. The returned rewind
// removes the batch again as long as nothing newer was appended.
func (j *Journal) AppendBatch(batch state.Batch) (func() error, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, rewind, err := j.write(batch.Time, batch.Events)
	if err != nil {
		return nil, err
	}
	return rewind, nil
}

func (j *Journal) write(at time.Time, evts []events.Event) ([]Entry, func() error, error) {
	if len(evts) == 0 {
		return nil, func() error { return nil }, nil
	}
	prevSeq, prevHead := j.seq, j.head
	seq, head := prevSeq, prevHead
	entries := make([]Entry, 0, len(evts))
	wb := j.db.NewBatch()
	for _, evt := range evts {
		entry, err := newEntry(seq+1, at, head, evt)
		if err != nil {
			return nil, nil, err
		}
		enc, err := rlp.EncodeToBytes(entry)
		if err != nil {
			return nil, nil, err
		}
		wb.Put(entryKey(entry.Seq), enc)
		entries = append(entries, entry)
		seq, head = entry.Seq, entry.Hash
	}
	enc, err := rlp.EncodeToBytes(journalHead{Seq: seq, Hash: head})
	if err != nil {
		return nil, nil, err
	}
	wb.Put(journalHeadKey, enc)
	if err := wb.Write(); err != nil {
		return nil, nil, fmt.Errorf("write journal entries %d-%d: %w", prevSeq+1, seq, err)
	}
	j.seq, j.head = seq, head
	rewind := func() error { return j.rewind(prevSeq, prevHead, seq, head) }
	return entries, rewind, nil
}

// rewind drops entries (prevSeq, lastSeq] if they are still the newest ones.
func (j *Journal) rewind(prevSeq uint64, prevHead []byte, lastSeq uint64, lastHead []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seq != lastSeq || !bytes.Equal(j.head, lastHead) {
		return fmt.Errorf("storage: journal advanced past entry %d", lastSeq)
	}
	wb := j.db.NewBatch()
	for seq := prevSeq + 1; seq <= lastSeq; seq++ {
		wb.Delete(entryKey(seq))
	}
	if prevSeq == 0 {
		wb.Delete(journalHeadKey)
	} else {
		enc, err := rlp.EncodeToBytes(journalHead{Seq: prevSeq, Hash: prevHead})
		if err != nil {
			return err
		}
		wb.Put(journalHeadKey, enc)
	}
	if err := wb.Write(); err != nil {
		return fmt.Errorf("rewind journal to %d: %w", prevSeq, err)
	}
	j.seq, j.head = prevSeq, prevHead
	return nil
}

func newEntry(seq uint64, at time.Time, prev []byte, evt events.Event) (Entry, error) {
	flat := events.Flatten(evt)
	if flat == nil {
		return Entry{}, fmt.Errorf("storage: nil event")
	}
	attrs := make([]Attribute, 0, len(flat.Attributes))
	for _, k := range flat.Keys() {
		attrs = append(attrs, Attribute{Key: k, Value: flat.Attributes[k]})
	}
	entry := Entry{
		Seq:        seq,
		Time:       uint64(at.UTC().UnixNano()),
		Type:       flat.Type,
		Attributes: attrs,
		PrevHash:   append([]byte(nil), prev...),
	}
	hash, err := chainHash(entry.PrevHash, entry.body())
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash
	return entry, nil
}

// Entries visits entries with Seq >= from in order until fn returns false.
func (j *Journal) Entries(from uint64, fn func(Entry) bool) error {
	j.mu.Lock()
	last := j.seq
	j.mu.Unlock()
	return j.db.Iterate(journalEntryPrefix, func(key, value []byte) (bool, error) {
		seq := binary.BigEndian.Uint64(key[len(journalEntryPrefix):])
		if seq < from {
			return true, nil
		}
		if seq > last {
			// Written but never linked by the head; the next append overwrites it.
			return false, nil
		}
		var entry Entry
		if err := rlp.DecodeBytes(value, &entry); err != nil {
			return false, fmt.Errorf("decode journal entry %d: %w", seq, err)
		}
		return fn(entry), nil
	})
}

// Verify walks the chain from the first entry and returns the number of
// verified entries. The error wraps ErrBrokenChain and names the first bad
// sequence number.
func (j *Journal) Verify() (uint64, error) {
	prev := make([]byte, 32)
	var (
		count  uint64
		broken error
	)
	err := j.Entries(1, func(e Entry) bool {
		want, err := chainHash(e.PrevHash, e.body())
		switch {
		case err != nil:
			broken = err
		case e.Seq != count+1:
			broken = fmt.Errorf("%w: expected seq %d, found %d", ErrBrokenChain, count+1, e.Seq)
		case !bytes.Equal(e.PrevHash, prev):
			broken = fmt.Errorf("%w: entry %d does not link to its predecessor", ErrBrokenChain, e.Seq)
		case !bytes.Equal(e.Hash, want):
			broken = fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, e.Seq)
		case !sort.SliceIsSorted(e.Attributes, func(a, b int) bool { return e.Attributes[a].Key < e.Attributes[b].Key }):
			broken = fmt.Errorf("%w: entry %d attributes out of order", ErrBrokenChain, e.Seq)
		}
		if broken != nil {
			return false
		}
		prev = e.Hash
		count++
		return true
	})
	if err != nil {
		return count, err
	}
	if broken != nil {
		return count, broken
	}
	_, head := j.Head()
	if !bytes.Equal(prev, head) {
		return count, fmt.Errorf("%w: head does not match entry %d", ErrBrokenChain, count)
	}
	return count, nil
}
