package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestReceiverWriteChunkRequiresLeafFirst(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	chunkSize := uint32(8)
	data := []byte("abcdefgh")
	leaf := LeafHash(data)
	tree, err := BuildMerkleTree([][32]byte{leaf})
	if err != nil {
		t.Fatalf("BuildMerkleTree: %v", err)
	}

	r, err := NewReceiver(dest, "out.bin", int64(len(data)), tree.Root(), chunkSize, 1)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.Close()

	// Data arrives before its leaf hash: buffered, not yet written.
	if err := r.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if r.BytesDone() != 0 {
		t.Fatalf("BytesDone = %d before leaf hash known, want 0", r.BytesDone())
	}

	if err := r.AddLeafHash(0, leaf); err != nil {
		t.Fatalf("AddLeafHash: %v", err)
	}
	if r.BytesDone() != int64(len(data)) {
		t.Fatalf("BytesDone = %d after leaf hash, want %d", r.BytesDone(), len(data))
	}

	ok, err := r.VerifyFinal()
	if err != nil {
		t.Fatalf("VerifyFinal: %v", err)
	}
	if !ok {
		t.Fatalf("VerifyFinal = false, want true")
	}
	if r.State() != StateComplete {
		t.Fatalf("State = %s, want COMPLETE", r.State())
	}

	on, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(on, data) {
		t.Fatalf("on-disk content = %q, want %q", on, data)
	}
	if _, err := os.Stat(JournalPath(dest)); !os.IsNotExist(err) {
		t.Fatalf("journal should be deleted after successful verification")
	}
}

func TestReceiverDuplicateDeliveryIsHarmless(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	data := []byte("0123456789")
	leaf := LeafHash(data)
	tree, _ := BuildMerkleTree([][32]byte{leaf})

	r, err := NewReceiver(dest, "out.bin", int64(len(data)), tree.Root(), uint32(len(data)), 1)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.Close()

	if err := r.AddLeafHash(0, leaf); err != nil {
		t.Fatalf("AddLeafHash: %v", err)
	}
	if err := r.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	if err := r.WriteChunk(0, data); err != nil {
		t.Fatalf("WriteChunk 2 (duplicate): %v", err)
	}
	if r.BytesDone() != int64(len(data)) {
		t.Fatalf("BytesDone = %d after duplicate, want %d (no double count)", r.BytesDone(), len(data))
	}
}

func TestReceiverRejectsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	data := []byte("good-data")
	leaf := LeafHash(data)
	tree, _ := BuildMerkleTree([][32]byte{leaf})

	r, err := NewReceiver(dest, "out.bin", int64(len(data)), tree.Root(), uint32(len(data)), 1)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.Close()

	if err := r.AddLeafHash(0, leaf); err != nil {
		t.Fatalf("AddLeafHash: %v", err)
	}
	if err := r.WriteChunk(0, []byte("bad-data!")); err == nil {
		t.Fatalf("WriteChunk with corrupt data should fail verification")
	}
	if r.BytesDone() != 0 {
		t.Fatalf("BytesDone = %d after rejected chunk, want 0", r.BytesDone())
	}
}

func TestReceiverVerifyResumedBitsClearsMismatch(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	data := []byte("correct!!")
	leaf := LeafHash(data)
	tree, _ := BuildMerkleTree([][32]byte{leaf})

	r, err := NewReceiver(dest, "out.bin", int64(len(data)), tree.Root(), uint32(len(data)), 1)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer r.Close()

	// Simulate disk corruption: mark the chunk received in the journal
	// bitmap without the bytes actually matching the leaf hash.
	if err := r.journal.MarkChunk(0); err != nil {
		t.Fatalf("MarkChunk: %v", err)
	}
	if _, err := r.file.WriteAt([]byte("corrupted"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	r.leaves[0] = leaf

	if err := r.VerifyResumedBits(); err != nil {
		t.Fatalf("VerifyResumedBits: %v", err)
	}
	if !r.missing.IsMissing(0) {
		t.Fatalf("chunk 0 should be missing again after failed resume verification")
	}
}

func TestReceiverResumesFromJournal(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")

	chunkSize := uint32(4)
	chunks := [][]byte{[]byte("AAAA"), []byte("BBBB")}
	var leaves [][32]byte
	for _, c := range chunks {
		leaves = append(leaves, LeafHash(c))
	}
	tree, _ := BuildMerkleTree(leaves)
	total := int64(len(chunks)) * int64(chunkSize)

	r1, err := NewReceiver(dest, "out.bin", total, tree.Root(), chunkSize, len(chunks))
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := r1.AddLeafHash(0, leaves[0]); err != nil {
		t.Fatalf("AddLeafHash 0: %v", err)
	}
	if err := r1.WriteChunk(0, chunks[0]); err != nil {
		t.Fatalf("WriteChunk 0: %v", err)
	}
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := NewReceiver(dest, "out.bin", total, tree.Root(), chunkSize, len(chunks))
	if err != nil {
		t.Fatalf("NewReceiver (resume): %v", err)
	}
	defer r2.Close()

	if r2.MissingCount() != 1 {
		t.Fatalf("MissingCount after resume = %d, want 1", r2.MissingCount())
	}
	missing := r2.NextMissing(10)
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("NextMissing after resume = %v, want [1]", missing)
	}
}
