package transfer

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Receiver is the receive side of one file transfer: it owns the
// destination file, the resume journal, the missing-chunk set, and
// leaf hashes learned from the handshake or dedicated MerkleNode
// frames. Chunks that arrive before their leaf hash is known are
// buffered in pending until a later AddLeafHash call supplies their
// hash, which verifies and writes them.
type Receiver struct {
	mu sync.Mutex

	destPath   string
	name       string
	size       int64
	chunkSize  uint32
	chunkCount int
	rootHash   [32]byte

	file    *os.File
	journal *Journal
	missing *MissingSet
	leaves  map[int][32]byte
	pending map[int][]byte

	bytesDone atomic.Int64
	state     atomic.Int32
}

// NewReceiver opens (or resumes) the destination file for one
// incoming transfer, pre-allocating it sparsely and seeding the
// missing set from any existing resume journal.
func NewReceiver(destPath, name string, size int64, rootHash [32]byte, chunkSize uint32, chunkCount int) (*Receiver, error) {
	r := &Receiver{
		destPath:   destPath,
		name:       name,
		size:       size,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		rootHash:   rootHash,
		leaves:     make(map[int][32]byte),
		pending:    make(map[int][]byte),
	}
	r.state.Store(int32(StateInit))

	existing, err := LoadJournal(destPath)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transfer: open destination: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("transfer: preallocate destination: %w", err)
	}
	r.file = f

	if existing != nil && existing.RootHash() == rootHash && existing.ChunkCount() == uint64(chunkCount) && existing.ChunkSize() == chunkSize {
		r.journal = existing
		r.missing = ReconstructFromBitmap(existing.Bitmap())
		r.bytesDone.Store(r.computeBytesDoneLocked())
	} else {
		j, err := NewJournal(destPath, chunkSize, uint64(chunkCount), rootHash)
		if err != nil {
			f.Close()
			return nil, err
		}
		r.journal = j
		r.missing = NewMissingSet(chunkCount)
	}

	r.state.Store(int32(StateTransferring))
	return r, nil
}

func (r *Receiver) computeBytesDoneLocked() int64 {
	var total int64
	for i := 0; i < r.chunkCount; i++ {
		if r.journal.Bitmap().IsSet(i) {
			total += r.chunkLen(i)
		}
	}
	return total
}

func (r *Receiver) chunkLen(chunkIndex int) int64 {
	offset := int64(chunkIndex) * int64(r.chunkSize)
	length := int64(r.chunkSize)
	if offset+length > r.size {
		length = r.size - offset
	}
	return length
}

// AddLeafHash records the Merkle leaf hash for chunkIndex, learned
// from the handshake or a lazy MerkleNode frame. Any chunk data
// already buffered for this index is verified and written
// immediately.
func (r *Receiver) AddLeafHash(chunkIndex int, leaf [32]byte) error {
	r.mu.Lock()
	r.leaves[chunkIndex] = leaf
	data, ok := r.pending[chunkIndex]
	if ok {
		delete(r.pending, chunkIndex)
	}
	r.mu.Unlock()

	if ok {
		return r.WriteChunk(chunkIndex, data)
	}
	return nil
}

// WriteChunk verifies data against chunkIndex's leaf hash (buffering
// it if the leaf hash isn't known yet), writes it at its offset,
// updates the bitmap/journal/missing-set/bytes_done, and moves the
// receiver to StateVerifying once no chunk is missing.
func (r *Receiver) WriteChunk(chunkIndex int, data []byte) error {
	r.mu.Lock()
	leaf, haveLeaf := r.leaves[chunkIndex]
	if !haveLeaf {
		r.pending[chunkIndex] = append([]byte(nil), data...)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if LeafHash(data) != leaf {
		return fmt.Errorf("transfer: chunk %d failed verification", chunkIndex)
	}

	offset := int64(chunkIndex) * int64(r.chunkSize)
	if _, err := r.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("transfer: write chunk %d: %w", chunkIndex, err)
	}

	r.mu.Lock()
	alreadyHad := r.journal.Bitmap().IsSet(chunkIndex)
	r.mu.Unlock()
	if alreadyHad {
		return nil // duplicate delivery: first writer wins, this one is dropped
	}

	if err := r.journal.MarkChunk(chunkIndex); err != nil {
		return err
	}
	r.missing.MarkReceived(chunkIndex)
	r.bytesDone.Add(r.chunkLen(chunkIndex))

	if r.missing.Empty() {
		r.state.Store(int32(StateVerifying))
	}
	return nil
}

// VerifyResumedBits re-checks every bitmap bit this receiver resumed
// as already-received against its now-known leaf hash, clearing and
// re-queuing any chunk whose on-disk bytes don't match. Leaves not yet
// known are left for a later call once their hash arrives.
func (r *Receiver) VerifyResumedBits() error {
	r.mu.Lock()
	bitmap := r.journal.Bitmap()
	var toCheck []int
	for i := 0; i < r.chunkCount; i++ {
		if bitmap.IsSet(i) {
			if _, ok := r.leaves[i]; ok {
				toCheck = append(toCheck, i)
			}
		}
	}
	r.mu.Unlock()

	for _, i := range toCheck {
		data := make([]byte, r.chunkLen(i))
		if _, err := r.file.ReadAt(data, int64(i)*int64(r.chunkSize)); err != nil {
			return fmt.Errorf("transfer: read chunk %d for resume verification: %w", i, err)
		}
		r.mu.Lock()
		leaf := r.leaves[i]
		r.mu.Unlock()
		if LeafHash(data) != leaf {
			r.journal.ClearChunk(i)
			r.bytesDone.Add(-r.chunkLen(i))
			r.missing.MarkMissing(i)
		}
	}
	return nil
}

// BytesDone returns the number of bytes successfully written so far.
func (r *Receiver) BytesDone() int64 { return r.bytesDone.Load() }

// State returns the transfer's current lifecycle state.
func (r *Receiver) State() State { return State(r.state.Load()) }

// MissingCount returns how many chunks remain outstanding.
func (r *Receiver) MissingCount() int { return r.missing.Count() }

// NextMissing returns up to n chunk indices to (re-)request next.
func (r *Receiver) NextMissing(n int) []int { return r.missing.NextMissing(n) }

// VerifyFinal recomputes the Merkle root over the on-disk file (using
// the known leaf hashes) and transitions to Complete or back to
// Transferring with the first mismatched chunk re-queued.
func (r *Receiver) VerifyFinal() (bool, error) {
	leaves := make([][32]byte, r.chunkCount)
	for i := 0; i < r.chunkCount; i++ {
		leaf, ok := r.leaves[i]
		if !ok {
			return false, fmt.Errorf("transfer: missing leaf hash for chunk %d during final verification", i)
		}
		data := make([]byte, r.chunkLen(i))
		if _, err := r.file.ReadAt(data, int64(i)*int64(r.chunkSize)); err != nil {
			return false, fmt.Errorf("transfer: read chunk %d for verification: %w", i, err)
		}
		got := LeafHash(data)
		leaves[i] = got
		if got != leaf {
			r.journal.ClearChunk(i)
			r.bytesDone.Add(-r.chunkLen(i))
			r.missing.MarkMissing(i)
			r.state.Store(int32(StateTransferring))
			return false, nil
		}
	}

	ok, err := VerifyRoot(leaves, r.rootHash)
	if err != nil {
		return false, err
	}
	if !ok {
		r.state.Store(int32(StateTransferring))
		return false, nil
	}

	r.state.Store(int32(StateComplete))
	if err := r.journal.Flush(); err != nil {
		return true, err
	}
	return true, r.journal.Delete()
}

// Close flushes the journal and closes the destination file handle.
func (r *Receiver) Close() error {
	if err := r.journal.Flush(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
