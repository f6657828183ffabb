// Package transfer implements the file transfer engine: chunking, a
// BLAKE3 Merkle tree over chunks, a missing-chunk tracking set, a
// resume journal sidecar file, and multi-peer chunk assignment with
// stealing.
package transfer

import (
	"fmt"

	"github.com/shranto27/wraith/internal/cryptocore"
)

// DefaultChunkSize is the default chunk size for a new transfer.
const DefaultChunkSize = 256 * 1024

// MerkleTree is a binary hash tree over a file's chunks, built with
// BLAKE3 leaf and interior-node hashes. An odd node at any level is
// promoted unchanged to the level above (no duplication), matching
// the common "unbalanced" Merkle tree construction.
type MerkleTree struct {
	leaves [][32]byte
	levels [][][32]byte // levels[0] = leaves, levels[len-1] = {root}
}

// LeafHash hashes one chunk's bytes.
func LeafHash(chunk []byte) [32]byte {
	return cryptocore.Hash(chunk)
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return cryptocore.Hash(buf)
}

// BuildMerkleTree computes the full tree over the given ordered chunk
// leaf hashes. It does not read chunk data itself — callers hash each
// chunk with LeafHash and pass the leaves in chunk-index order.
func BuildMerkleTree(leaves [][32]byte) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("transfer: cannot build a merkle tree over zero chunks")
	}
	t := &MerkleTree{leaves: leaves}
	level := leaves
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree's root hash.
func (t *MerkleTree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// ChunkCount returns the number of leaves (chunks) in the tree.
func (t *MerkleTree) ChunkCount() int { return len(t.leaves) }

// LeafAt returns the leaf hash at chunkIndex.
func (t *MerkleTree) LeafAt(chunkIndex int) ([32]byte, error) {
	if chunkIndex < 0 || chunkIndex >= len(t.leaves) {
		return [32]byte{}, fmt.Errorf("transfer: chunk index %d out of range [0,%d)", chunkIndex, len(t.leaves))
	}
	return t.leaves[chunkIndex], nil
}

// VerifyChunk reports whether data hashes to the recorded leaf at
// chunkIndex.
func (t *MerkleTree) VerifyChunk(chunkIndex int, data []byte) (bool, error) {
	want, err := t.LeafAt(chunkIndex)
	if err != nil {
		return false, err
	}
	got := LeafHash(data)
	return got == want, nil
}

// VerifyRoot reports whether recomputing the tree over the given
// leaves reproduces wantRoot — used for final whole-file verification
// after every chunk bit is set.
func VerifyRoot(leaves [][32]byte, wantRoot [32]byte) (bool, error) {
	t, err := BuildMerkleTree(leaves)
	if err != nil {
		return false, err
	}
	return t.Root() == wantRoot, nil
}

// ChunkRanges splits a file of the given size into chunkSize-byte
// chunks (the final chunk may be shorter), returning each chunk's
// (offset, length).
func ChunkRanges(fileSize int64, chunkSize int) []struct{ Offset, Length int64 } {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if fileSize == 0 {
		return []struct{ Offset, Length int64 }{{Offset: 0, Length: 0}}
	}
	var ranges []struct{ Offset, Length int64 }
	for off := int64(0); off < fileSize; off += int64(chunkSize) {
		length := int64(chunkSize)
		if off+length > fileSize {
			length = fileSize - off
		}
		ranges = append(ranges, struct{ Offset, Length int64 }{Offset: off, Length: length})
	}
	return ranges
}

// ChunkCountForSize returns ceil(fileSize/chunkSize), the chunk_count
// carried in TransferStart. A zero-byte file is still one chunk (of
// length zero), so it has a well-defined Merkle root rather than no
// root at all.
func ChunkCountForSize(fileSize int64, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if fileSize == 0 {
		return 1
	}
	return int((fileSize + int64(chunkSize) - 1) / int64(chunkSize))
}
