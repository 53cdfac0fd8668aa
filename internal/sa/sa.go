// Package sa holds the security association table consulted by the ESP
// pipeline. The pipeline only reads it; the table is replaced wholesale by a
// single writer (the file loader or its watcher).
package sa

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"firestige.xyz/inlineesp/internal/metrics"
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrDuplicateIndex = errors.New("duplicate association index")
)

// KeySize is a key length in bits.
type KeySize uint16

const (
	KeySize128 KeySize = 128
	KeySize192 KeySize = 192
	KeySize256 KeySize = 256

	MaxKeyLen = 32
)

// Bytes returns the key length in bytes.
func (k KeySize) Bytes() int { return int(k) / 8 }

// Valid reports whether k is one of the supported sizes.
func (k KeySize) Valid() bool {
	return k == KeySize128 || k == KeySize192 || k == KeySize256
}

// Record is one security association.
type Record struct {
	Index         uint32
	SPI           uint32
	Salt          uint32
	Key           [MaxKeyLen]byte
	KeySize       KeySize
	ExtSeqEnabled bool
	AuthEnabled   bool
	Valid         bool
	// Seq is the 64-bit sequence counter (ESN when ExtSeqEnabled).
	Seq uint64
}

// KeyBytes returns the significant part of Key.
func (r Record) KeyBytes() []byte {
	n := r.KeySize.Bytes()
	if n > MaxKeyLen {
		n = MaxKeyLen
	}
	return r.Key[:n]
}

func (r Record) validate() error {
	if !r.KeySize.Valid() {
		return fmt.Errorf("sa %d: key size %d: %w", r.Index, r.KeySize, ErrInvalidKeySize)
	}
	return nil
}

// Store is the exact-match lookup used by the pipeline. An index without an
// entry resolves to a record with Valid=false.
type Store interface {
	Lookup(index uint32) Record
}

// Selector maps outbound cleartext destinations to an association index.
type Selector struct {
	Destination netip.Prefix
	Index       uint32
}

// Table is an RW-locked Store with longest-prefix outbound selection.
type Table struct {
	mu        sync.RWMutex
	records   map[uint32]Record
	selectors []Selector
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{records: make(map[uint32]Record)}
}

// Lookup implements Store.
func (t *Table) Lookup(index uint32) Record {
	t.mu.RLock()
	r, ok := t.records[index]
	t.mu.RUnlock()
	if !ok {
		return Record{Index: index}
	}
	return r
}

// Replace swaps in a new set of records and selectors. The table is left
// untouched when validation fails.
func (t *Table) Replace(records []Record, selectors []Selector) error {
	next := make(map[uint32]Record, len(records))
	for _, r := range records {
		if err := r.validate(); err != nil {
			return err
		}
		if _, dup := next[r.Index]; dup {
			return fmt.Errorf("sa %d: %w", r.Index, ErrDuplicateIndex)
		}
		next[r.Index] = r
	}

	sel := make([]Selector, len(selectors))
	copy(sel, selectors)
	// most specific prefix first
	sort.SliceStable(sel, func(i, j int) bool {
		return sel[i].Destination.Bits() > sel[j].Destination.Bits()
	})

	t.mu.Lock()
	t.records = next
	t.selectors = sel
	t.mu.Unlock()
	metrics.SATableSize.Set(float64(len(next)))
	return nil
}

// Records returns all records ordered by index.
func (t *Table) Records() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// SelectOutbound returns the association index for a cleartext destination.
func (t *Table) SelectOutbound(dst netip.Addr) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.selectors {
		if s.Destination.Contains(dst) {
			return s.Index, true
		}
	}
	return 0, false
}
