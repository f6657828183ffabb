package transfer

import (
	"container/heap"
	"sync"
)

// Bitmap is a flat bit-per-chunk received/set tracker, serialized as
// ceil(n/8) bytes for the resume journal.
type Bitmap struct {
	bits []byte
	n    int
}

// NewBitmap creates an all-clear bitmap for n chunks.
func NewBitmap(n int) *Bitmap {
	return &Bitmap{bits: make([]byte, (n+7)/8), n: n}
}

// BitmapFromBytes wraps an existing byte slice as a bitmap for n
// chunks, as read back from a resume journal.
func BitmapFromBytes(n int, data []byte) *Bitmap {
	want := (n + 7) / 8
	bits := make([]byte, want)
	copy(bits, data)
	return &Bitmap{bits: bits, n: n}
}

func (b *Bitmap) Set(i int)   { b.bits[i/8] |= 1 << uint(i%8) }
func (b *Bitmap) Clear(i int) { b.bits[i/8] &^= 1 << uint(i%8) }
func (b *Bitmap) IsSet(i int) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// Bytes returns the bitmap's raw byte representation.
func (b *Bitmap) Bytes() []byte { return b.bits }

// Len returns the number of chunks this bitmap tracks.
func (b *Bitmap) Len() int { return b.n }

// SetCount returns how many bits are set.
func (b *Bitmap) SetCount() int {
	count := 0
	for i := 0; i < b.n; i++ {
		if b.IsSet(i) {
			count++
		}
	}
	return count
}

// AllSet reports whether every tracked bit is set.
func (b *Bitmap) AllSet() bool { return b.SetCount() == b.n }

// unknownRarity is the priority a chunk is given until SetRarity has
// ever been called for it: higher than any real holder count, so a
// chunk with a known-small number of holders always schedules ahead
// of one nobody has reported on, instead of 0 (no calls yet) being
// mistaken for "zero known holders" and jumping the queue.
const unknownRarity = 1 << 30

// missingEntry is one outstanding chunk's place in the scheduling
// heap. rarity is the last known count of peers holding the chunk
// (lower sorts first, i.e. rarer chunks are handed out before common
// ones); it starts at unknownRarity until a holder count is ever
// reported, so the ordering degrades to pure age when nothing has
// ever set a rarity hint. age is the sequence number assigned the
// first time the chunk was ever marked missing, and survives
// Requeue/steal-and-reassign, so a chunk that keeps getting stolen
// from slow peers doesn't lose its place in line to chunks that have
// never been attempted.
type missingEntry struct {
	chunkIndex int
	rarity     int
	age        uint64
	heapIndex  int
}

type missingHeap []*missingEntry

func (h missingHeap) Len() int { return len(h) }
func (h missingHeap) Less(i, j int) bool {
	if h[i].rarity != h[j].rarity {
		return h[i].rarity < h[j].rarity
	}
	return h[i].age < h[j].age
}
func (h missingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *missingHeap) Push(x any) {
	e := x.(*missingEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *missingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIndex = -1
	*h = old[:n-1]
	return e
}

// MissingSet tracks which chunks remain to be received: an is_missing
// bitmap for O(1) membership, plus a priority heap ordering candidate
// indices by rarity then age so "next N missing" favors the chunks
// least likely to be obtainable elsewhere and longest outstanding,
// instead of degenerating to pure round robin under multi-peer
// assignment. Entries may be stale (already received via a
// duplicate/stolen delivery); NextMissing filters those out lazily.
type MissingSet struct {
	mu      sync.Mutex
	missing *Bitmap
	heap    missingHeap
	entries map[int]*missingEntry // chunkIndex -> heap entry, present only while queued
	age     map[int]uint64        // chunkIndex -> age, assigned once and kept across Requeue
	rarity  map[int]int           // chunkIndex -> last-known holder count
	nextAge uint64
}

// NewMissingSet creates a set with every chunk in [0,chunkCount)
// initially missing.
func NewMissingSet(chunkCount int) *MissingSet {
	s := &MissingSet{
		missing: NewBitmap(chunkCount),
		entries: make(map[int]*missingEntry, chunkCount),
		age:     make(map[int]uint64, chunkCount),
		rarity:  make(map[int]int),
	}
	for i := 0; i < chunkCount; i++ {
		s.missing.Set(i)
		s.pushLocked(i)
	}
	return s
}

// ReconstructFromBitmap rebuilds a MissingSet from a received-chunks
// bitmap (read from a resume journal), scanning it once to seed the
// heap with everything not yet received.
func ReconstructFromBitmap(received *Bitmap) *MissingSet {
	s := &MissingSet{
		missing: NewBitmap(received.Len()),
		entries: make(map[int]*missingEntry),
		age:     make(map[int]uint64),
		rarity:  make(map[int]int),
	}
	for i := 0; i < received.Len(); i++ {
		if !received.IsSet(i) {
			s.missing.Set(i)
			s.pushLocked(i)
		}
	}
	return s
}

// pushLocked schedules chunkIndex for delivery if it isn't already
// queued. Age is assigned once per chunk and preserved across
// NextMissing/Requeue cycles; rarity carries forward the last value
// SetRarity recorded for it, or unknownRarity if none ever was.
func (s *MissingSet) pushLocked(chunkIndex int) {
	if _, queued := s.entries[chunkIndex]; queued {
		return
	}
	age, ok := s.age[chunkIndex]
	if !ok {
		age = s.nextAge
		s.nextAge++
		s.age[chunkIndex] = age
	}
	rarity, ok := s.rarity[chunkIndex]
	if !ok {
		rarity = unknownRarity
	}
	e := &missingEntry{chunkIndex: chunkIndex, age: age, rarity: rarity}
	s.entries[chunkIndex] = e
	heap.Push(&s.heap, e)
}

// IsMissing reports whether chunkIndex is still outstanding.
func (s *MissingSet) IsMissing(chunkIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missing.IsSet(chunkIndex)
}

// MarkReceived removes chunkIndex from the missing set. The stale
// heap entry (if any) is skipped lazily by NextMissing.
func (s *MissingSet) MarkReceived(chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunkIndex >= 0 && chunkIndex < s.missing.Len() {
		s.missing.Clear(chunkIndex)
	}
}

// MarkMissing puts chunkIndex back into the missing bitmap and
// schedules it for redelivery, used when startup re-verification
// finds a previously-recorded chunk no longer matches its leaf hash.
func (s *MissingSet) MarkMissing(chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing.Set(chunkIndex)
	s.pushLocked(chunkIndex)
}

// Requeue puts chunkIndex back into scheduling contention (e.g. a
// stolen assignment being handed to a different peer) without
// changing its missing/received status or its accumulated age, so a
// repeatedly-stolen chunk keeps priority over chunks that have never
// been attempted.
func (s *MissingSet) Requeue(chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(chunkIndex)
}

// SetRarity records how many known peers hold chunkIndex. Rarer
// chunks (fewer holders) are handed out before common ones, and
// before any chunk still at unknownRarity, once at least one peer has
// advertised its inventory.
func (s *MissingSet) SetRarity(chunkIndex, holders int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rarity[chunkIndex] = holders
	if e, queued := s.entries[chunkIndex]; queued {
		e.rarity = holders
		heap.Fix(&s.heap, e.heapIndex)
	}
}

// NextMissing pops up to n still-missing chunk indices in priority
// order (rarest, then oldest-outstanding, first), skipping stale
// entries for chunks that have since been received.
func (s *MissingSet) NextMissing(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int, 0, n)
	for len(out) < n && s.heap.Len() > 0 {
		e := heap.Pop(&s.heap).(*missingEntry)
		delete(s.entries, e.chunkIndex)
		if s.missing.IsSet(e.chunkIndex) {
			out = append(out, e.chunkIndex)
		}
	}
	return out
}

// Count returns how many chunks are still missing.
func (s *MissingSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missing.SetCount()
}

// Empty reports whether every chunk has been received.
func (s *MissingSet) Empty() bool {
	return s.Count() == 0
}
