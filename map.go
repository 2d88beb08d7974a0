// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package linprobe is a Go implementation of an open-addressing hash map
// using linear probing and backward-shift deletion. See also:
// https://en.wikipedia.org/wiki/Linear_probing#Deletion.
//
// # Layout
//
// A Map stores every entry directly in a single slice of slots whose length
// (the capacity) is a power of two. The capacity minus one is used as a mask
// to fold a hash into a slot index: home(key) = hash(key) & mask. Each slot
// is either empty or full; a full slot caches the hash of its key so that
// neither probing nor resizing needs to rehash keys.
//
// # Probing
//
// Lookup starts at the home slot of the key and walks forward one slot at a
// time, wrapping from the last slot to the first, until it either finds the
// key or reaches an empty slot. The map maintains two invariants that make
// this correct:
//
//   - Never full: the map grows once the number of entries reaches
//     threshold = max(floor(loadFactor*mask), 1). Because mask = capacity-1,
//     the threshold is strictly less than the capacity and at least one slot
//     is always empty, so every probe terminates.
//   - No gaps: for every full slot i, the slots from home(slot[i].key) up to
//     i (cyclically) are all full. A probe for a present key therefore never
//     stops early.
//
// # Deletion
//
// Deletion does not use tombstones. Removing an entry creates a hole that
// would break the no-gap invariant for entries further along the same run,
// so the entries after the hole are inspected in order. An entry may be
// moved back into the hole only if its home does not lie cyclically in
// (hole, scan], since otherwise the move would place it before its own home
// slot. When an entry is moved its old slot becomes the new hole. The scan
// stops at the first empty slot and the final hole is cleared.
//
//	before Delete(b), all of a, b, c, d have home 1, e has home 4
//
//	  0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	|    | a  | b  | c  | e  | d  |    |    |
//	+----+----+----+----+----+----+----+----+
//
//	after: c moves to 2; e stays (home 4 is in (3, 4]); d moves to 3
//
//	  0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	|    | a  | c  | d  | e  |    |    |    |
//	+----+----+----+----+----+----+----+----+
//
// # Growth
//
// Put doubles the capacity before inserting whenever the entry count has
// reached the threshold, re-homing every entry into a fresh slot slice. Once
// the capacity reaches the configured maximum (see WithMaxCapacity) the map
// stops growing. It keeps accepting inserts, with correspondingly longer
// probes, until only one empty slot remains, at which point inserting a new
// key panics.
package linprobe

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/bits"
	"strings"
)

const (
	debug = false

	// DefaultCapacity is the capacity used by NewDefault.
	DefaultCapacity = 32
	// DefaultLoadFactor is the load factor used unless WithLoadFactor is
	// specified.
	DefaultLoadFactor = 0.7
	// MinCapacity is the smallest number of slots a Map allocates.
	MinCapacity = 4
	// MaxCapacity is the largest number of slots a Map allocates.
	MaxCapacity = 1 << 30
)

var (
	// ErrInvalidCapacity is returned by New when the initial capacity is not
	// positive or exceeds the maximum capacity.
	ErrInvalidCapacity = errors.New("linprobe: invalid capacity")
	// ErrInvalidLoadFactor is returned by New when the load factor is outside
	// of (0, 1].
	ErrInvalidLoadFactor = errors.New("linprobe: invalid load factor")
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFull
)

// Slot holds a key and value along with the cached hash of the key.
type Slot[K comparable, V any] struct {
	hash  uintptr
	key   K
	value V
	state slotState
}

func (s *Slot[K, V]) full() bool {
	return s.state == slotFull
}

// Map is an unordered map from keys to values with Put, Get, Delete, and All
// operations. By default, a Map[K,V] uses the same hash function as Go's
// builtin map[K]V, though a different hash function can be specified using
// the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash hashFn[K]
	seed uintptr
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	// slots is mask+1 in length.
	slots []Slot[K, V]
	// The number of slots minus one. Always 2^N-1 so that it can be used to
	// compute h%len(slots) using a bitwise & operation.
	mask uintptr
	// The number of full slots (i.e. the number of elements in the map).
	used int
	// Put grows the map when used reaches threshold. threshold is always
	// less than len(slots).
	threshold  int
	loadFactor float64
	// The capacity at which growth freezes.
	maxCapacity int
}

// New constructs a new Map with the specified initial capacity, rounded up
// to a power of two no smaller than MinCapacity. New returns an error
// wrapping ErrInvalidCapacity if initialCapacity is not positive or exceeds
// the maximum capacity, and an error wrapping ErrInvalidLoadFactor if the
// load factor is not in (0, 1].
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) (*Map[K, V], error) {
	m := &Map[K, V]{
		hash:        defaultHasher[K](),
		seed:        newSeed(),
		allocator:   defaultAllocator[K, V]{},
		loadFactor:  DefaultLoadFactor,
		maxCapacity: MaxCapacity,
	}

	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity <= 0 {
		return nil, fmt.Errorf("%w: %d must be positive", ErrInvalidCapacity, initialCapacity)
	}
	if initialCapacity > m.maxCapacity {
		return nil, fmt.Errorf("%w: %d exceeds maximum of %d",
			ErrInvalidCapacity, initialCapacity, m.maxCapacity)
	}
	// NB: the negated comparison also rejects NaN.
	if !(m.loadFactor > 0 && m.loadFactor <= 1) {
		return nil, fmt.Errorf("%w: %v is not in (0, 1]", ErrInvalidLoadFactor, m.loadFactor)
	}

	m.resize(normalizeCapacity(initialCapacity))
	return m, nil
}

// MustNew is like New but panics if the map cannot be constructed.
func MustNew[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m, err := New[K, V](initialCapacity, options...)
	if err != nil {
		panic(err)
	}
	return m
}

// NewDefault constructs a new Map with DefaultCapacity and
// DefaultLoadFactor.
func NewDefault[K comparable, V any]() *Map[K, V] {
	return MustNew[K, V](DefaultCapacity)
}

// normalizeCapacity returns the smallest power of two >= n, clamped to
// [MinCapacity, MaxCapacity].
func normalizeCapacity(n int) int {
	if n <= MinCapacity {
		return MinCapacity
	}
	if n >= MaxCapacity {
		return MaxCapacity
	}
	return 1 << bits.Len(uint(n-1))
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.Free(m.slots)
		m.slots = nil
	}
	m.used = 0
	m.mask = 0
	m.threshold = 0
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. If the key was present Put returns
// the previous value and replaced=true.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	// Grow before probing so a new entry is never placed in a table already
	// at its threshold. This happens even if the key turns out to be present.
	if m.used == m.threshold {
		m.grow()
	}

	h := m.hash(&key, m.seed)
	i, found := m.find(h, key)
	if debug {
		fmt.Printf("put(%v): home=%d index=%d found=%t\n", key, h&m.mask, i, found)
	}

	s := &m.slots[i]
	if found {
		prev, s.value = s.value, value
		m.checkInvariants()
		return prev, true
	}

	// Only reachable once growth has frozen: filling the last empty slot
	// would leave probes for absent keys with nowhere to stop.
	if m.used+1 >= len(m.slots) {
		panic(fmt.Sprintf("linprobe: map at maximum capacity %d", len(m.slots)))
	}

	*s = Slot[K, V]{hash: h, key: key, value: value, state: slotFull}
	m.used++
	m.checkInvariants()
	return prev, false
}

// PutAll inserts every key and value produced by seq, as if by Put.
//
//	m.PutAll(maps.All(builtin))
//	m.PutAll(other.All)
func (m *Map[K, V]) PutAll(seq iter.Seq2[K, V]) {
	seq(func(k K, v V) bool {
		m.Put(k, v)
		return true
	})
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	if i, found := m.find(h, key); found {
		return m.slots[i].value, true
	}
	return value, false
}

// Has returns true if the key is present in the map.
func (m *Map[K, V]) Has(key K) bool {
	h := m.hash(&key, m.seed)
	_, found := m.find(h, key)
	return found
}

// Delete deletes the entry corresponding to the specified key from the map,
// returning its value. It is a noop to delete a non-existent key, in which
// case ok=false.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	h := m.hash(&key, m.seed)
	i, found := m.find(h, key)
	if !found {
		if debug {
			fmt.Printf("delete(%v): not found\n", key)
		}
		return value, false
	}

	value = m.slots[i].value
	m.used--
	m.backwardShift(i)
	m.checkInvariants()
	return value, true
}

// find returns the index of the slot holding key. If the key is not present
// find returns found=false and the index of the empty slot which terminated
// the probe, which is where an insert of key belongs.
func (m *Map[K, V]) find(h uintptr, key K) (i uintptr, found bool) {
	// Termination relies on the never-full invariant.
	for i = h & m.mask; ; i = (i + 1) & m.mask {
		s := &m.slots[i]
		if !s.full() {
			return i, false
		}
		if s.hash == h && s.key == key {
			return i, true
		}
	}
}

// backwardShift removes the entry at hole and closes the gap it leaves by
// moving later entries of the run back, restoring the no-gap invariant
// without tombstones.
func (m *Map[K, V]) backwardShift(hole uintptr) {
	for scan := (hole + 1) & m.mask; ; scan = (scan + 1) & m.mask {
		s := &m.slots[scan]
		if !s.full() {
			break
		}
		home := s.hash & m.mask
		// An entry whose home lies in (hole, scan] would be moved before its
		// home slot and become unreachable.
		if between((hole+1)&m.mask, home, scan, m.mask) {
			if debug {
				fmt.Printf("delete(skipping): index=%d home=%d hole=%d\n", scan, home, hole)
			}
			continue
		}
		if debug {
			fmt.Printf("delete(shifting): index=%d -> %d home=%d\n", scan, hole, home)
		}
		m.slots[hole] = *s
		hole = scan
	}
	m.slots[hole] = Slot[K, V]{}
}

// between returns true if, scanning forward from lo and wrapping at mask, x
// is reached no later than hi. Both bounds are inclusive, and lo == hi
// denotes the single slot lo.
func between(lo, x, hi, mask uintptr) bool {
	return (x-lo)&mask <= (hi-lo)&mask
}

// grow doubles the capacity of the map unless doing so would exceed the
// maximum capacity, in which case the capacity is frozen.
func (m *Map[K, V]) grow() {
	oldCapacity := len(m.slots)
	if oldCapacity >= m.maxCapacity {
		if debug {
			fmt.Printf("grow: frozen at capacity=%d used=%d\n", oldCapacity, m.used)
		}
		return
	}
	m.resize(2 * oldCapacity)
}

// resize allocates a slot slice of newCapacity, re-homes each entry of the
// map into it and frees the old slice. Keys are known to be unique so entries
// are placed in the first empty slot of their probe sequence without any key
// comparisons. The cached hashes are reused.
func (m *Map[K, V]) resize(newCapacity int) {
	oldSlots := m.slots
	m.slots = m.allocator.Alloc(newCapacity)
	m.mask = uintptr(newCapacity - 1)
	m.threshold = growthThreshold(m.loadFactor, newCapacity)

	if debug {
		fmt.Printf("resize: capacity=%d->%d threshold=%d\n",
			len(oldSlots), newCapacity, m.threshold)
	}

	for i := range oldSlots {
		s := &oldSlots[i]
		if !s.full() {
			continue
		}
		m.uncheckedPut(s)
	}

	if oldSlots != nil {
		m.allocator.Free(oldSlots)
	}
	m.checkInvariants()
}

// growthThreshold returns max(floor(loadFactor*(capacity-1)), 1), the entry
// count at which a map of the given capacity grows. It is always less than
// capacity.
func growthThreshold(loadFactor float64, capacity int) int {
	return max(int(math.Floor(loadFactor*float64(capacity-1))), 1)
}

// uncheckedPut places an entry known not to be in the table into the first
// empty slot of its probe sequence.
func (m *Map[K, V]) uncheckedPut(e *Slot[K, V]) {
	for i := e.hash & m.mask; ; i = (i + 1) & m.mask {
		if !m.slots[i].full() {
			m.slots[i] = *e
			return
		}
	}
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The map can be mutated during
// iteration, though there is no guarantee that the mutations will be visible
// to the iteration. All can be used with range:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the slots so that iteration remains valid if the map is
	// resized during iteration. Deletions may still shift entries within the
	// snapshot, so an entry can be seen twice or not at all.
	slots := m.slots
	for i := range slots {
		s := &slots[i]
		if s.full() && !yield(s.key, s.value) {
			return
		}
	}
}

// Keys calls yield sequentially for each key present in the map. The same
// caveats apply as for All.
func (m *Map[K, V]) Keys(yield func(key K) bool) {
	m.All(func(k K, _ V) bool {
		return yield(k)
	})
}

// Values calls yield sequentially for each value present in the map. The
// same caveats apply as for All.
func (m *Map[K, V]) Values(yield func(value V) bool) {
	m.All(func(_ K, v V) bool {
		return yield(v)
	})
}

// ContainsValueFunc returns true if any value in the map satisfies f.
func (m *Map[K, V]) ContainsValueFunc(f func(V) bool) bool {
	var found bool
	m.Values(func(v V) bool {
		found = f(v)
		return !found
	})
	return found
}

// ContainsValue returns true if the map holds at least one entry whose value
// equals v.
func ContainsValue[K, V comparable](m *Map[K, V], v V) bool {
	return m.ContainsValueFunc(func(x V) bool {
		return x == v
	})
}

// Clear deletes all entries from the map resulting in an empty map. The
// capacity is retained.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.used = 0
	m.checkInvariants()
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// IsEmpty returns true if the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.used == 0
}

// capacity returns the number of slots in the map.
func (m *Map[K, V]) capacity() int {
	return len(m.slots)
}

// verify checks the structural invariants of the map, returning an error
// describing the first violation.
func (m *Map[K, V]) verify() error {
	if len(m.slots) > 0 && m.threshold >= len(m.slots) {
		return fmt.Errorf("threshold %d >= capacity %d", m.threshold, len(m.slots))
	}

	var used int
	for i := range m.slots {
		s := &m.slots[i]
		if !s.full() {
			continue
		}
		used++
		if h := m.hash(&s.key, m.seed); h != s.hash {
			return fmt.Errorf("slot(%d): %v cached hash %x != %x", i, s.key, s.hash, h)
		}
		// Walk from the home slot to i. Every slot in between must be full.
		for j := s.hash & m.mask; j != uintptr(i); j = (j + 1) & m.mask {
			if !m.slots[j].full() {
				return fmt.Errorf("slot(%d): %v unreachable, gap at %d (home=%d)",
					i, s.key, j, s.hash&m.mask)
			}
		}
	}

	if used != m.used {
		return fmt.Errorf("found %d used slots, but used count is %d", used, m.used)
	}
	if len(m.slots) > 0 && used >= len(m.slots) {
		return fmt.Errorf("no empty slot: used=%d capacity=%d", used, len(m.slots))
	}
	return nil
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.verify(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  threshold=%d\n", len(m.slots), m.used, m.threshold)
	for i := range m.slots {
		s := &m.slots[i]
		if !s.full() {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: %v [home=%d hash=%016x]\n", i, s.key, s.hash&m.mask, s.hash)
	}
	return buf.String()
}
