package transfer

import (
	"encoding/binary"
	"fmt"
	"os"
)

// JournalSuffix is appended to a file's path to name its resume
// sidecar, e.g. "/tmp/file.iso" -> "/tmp/file.iso.wraith-resume".
const JournalSuffix = ".wraith-resume"

var journalMagic = [4]byte{'W', 'R', 'T', 'H'}

const journalVersion = 1

// flushInterval is how many newly-set bits accumulate before the
// journal bitmap is flushed to disk; it is also flushed
// unconditionally on clean shutdown.
const flushInterval = 32

// Journal persists (root_hash, chunk_size, bitmap) for one in-progress
// receive so it can resume after a crash without re-downloading
// already-verified chunks.
type Journal struct {
	path         string
	chunkSize    uint32
	chunkCount   uint64
	rootHash     [32]byte
	bitmap       *Bitmap
	sinceFlush   int
}

// JournalPath returns the sidecar path for a destination file path.
func JournalPath(filePath string) string { return filePath + JournalSuffix }

// NewJournal creates a fresh journal for a transfer about to start
// and writes its initial (all-missing) state to disk.
func NewJournal(filePath string, chunkSize uint32, chunkCount uint64, rootHash [32]byte) (*Journal, error) {
	j := &Journal{
		path:       JournalPath(filePath),
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		rootHash:   rootHash,
		bitmap:     NewBitmap(int(chunkCount)),
	}
	if err := j.flush(); err != nil {
		return nil, err
	}
	return j, nil
}

// LoadJournal reads an existing sidecar file, or returns (nil, nil)
// if none exists.
func LoadJournal(filePath string) (*Journal, error) {
	path := JournalPath(filePath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("transfer: read journal: %w", err)
	}
	return parseJournal(path, data)
}

func parseJournal(path string, data []byte) (*Journal, error) {
	const headerSize = 4 + 1 + 4 + 8 + 32
	if len(data) < headerSize {
		return nil, fmt.Errorf("transfer: journal too short (%d bytes)", len(data))
	}
	if [4]byte(data[0:4]) != journalMagic {
		return nil, fmt.Errorf("transfer: journal bad magic")
	}
	version := data[4]
	if version != journalVersion {
		return nil, fmt.Errorf("transfer: journal version %d unsupported", version)
	}
	chunkSize := binary.BigEndian.Uint32(data[5:9])
	chunkCount := binary.BigEndian.Uint64(data[9:17])
	var root [32]byte
	copy(root[:], data[17:49])
	bitmapBytes := data[49:]

	expectedBitmapLen := (int(chunkCount) + 7) / 8
	if len(bitmapBytes) < expectedBitmapLen {
		return nil, fmt.Errorf("transfer: journal bitmap truncated: got %d bytes, want %d", len(bitmapBytes), expectedBitmapLen)
	}

	j := &Journal{
		path:       path,
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		rootHash:   root,
		bitmap:     BitmapFromBytes(int(chunkCount), bitmapBytes),
	}
	return j, nil
}

// ChunkSize, ChunkCount, and RootHash expose the journal's transfer
// parameters for the receiver to validate against a TransferStart.
func (j *Journal) ChunkSize() uint32   { return j.chunkSize }
func (j *Journal) ChunkCount() uint64  { return j.chunkCount }
func (j *Journal) RootHash() [32]byte  { return j.rootHash }
func (j *Journal) Bitmap() *Bitmap     { return j.bitmap }

// MarkChunk records chunkIndex as received and flushes to disk if
// flushInterval new chunks have accumulated since the last flush.
func (j *Journal) MarkChunk(chunkIndex int) error {
	if j.bitmap.IsSet(chunkIndex) {
		return nil
	}
	j.bitmap.Set(chunkIndex)
	j.sinceFlush++
	if j.sinceFlush >= flushInterval {
		return j.flush()
	}
	return nil
}

// ClearChunk unsets a bit, used when on-disk verification at startup
// finds a previously-recorded chunk doesn't match its leaf hash.
func (j *Journal) ClearChunk(chunkIndex int) {
	j.bitmap.Clear(chunkIndex)
}

// Flush forces an immediate write to disk, used on clean shutdown.
func (j *Journal) Flush() error {
	return j.flush()
}

func (j *Journal) flush() error {
	header := make([]byte, 4+1+4+8+32)
	copy(header[0:4], journalMagic[:])
	header[4] = journalVersion
	binary.BigEndian.PutUint32(header[5:9], j.chunkSize)
	binary.BigEndian.PutUint64(header[9:17], j.chunkCount)
	copy(header[17:49], j.rootHash[:])

	out := append(header, j.bitmap.Bytes()...)

	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o600); err != nil {
		return fmt.Errorf("transfer: write journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("transfer: rename journal: %w", err)
	}
	j.sinceFlush = 0
	return nil
}

// Delete removes the sidecar file, called once the full root hash has
// been verified successfully.
func (j *Journal) Delete() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transfer: delete journal: %w", err)
	}
	return nil
}
