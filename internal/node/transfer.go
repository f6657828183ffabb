package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shranto27/wraith/internal/transfer"
)

// fileOffer is the small control message a sender transmits on its own
// ordered stream ahead of the chunked data stream it is about to open,
// naming the file, its Merkle root, and the stream ID the chunk data
// will arrive on. Every chunk leaf hash rides along too so the
// receiver can verify chunks individually as they land, rather than
// only at the very end via VerifyFinal.
type fileOffer struct {
	Name         string   `json:"name"`
	Size         int64    `json:"size"`
	ChunkSize    uint32   `json:"chunk_size"`
	ChunkCount   int      `json:"chunk_count"`
	RootHash     string   `json:"root_hash"`
	Leaves       []string `json:"leaves"`
	DataStreamID uint32   `json:"data_stream_id"`
}

// effectiveChunkSize caps the configured Merkle chunk size to the
// current path's usable payload: the wire format has no mechanism for
// splitting one chunk across multiple frames below the transfer
// layer, so a chunk and a frame are the same size.
func effectiveChunkSize(configured uint32, mtuPayload int) uint32 {
	if mtuPayload <= 0 {
		return configured
	}
	if uint32(mtuPayload) < configured {
		return uint32(mtuPayload)
	}
	return configured
}

// Progress reports a transfer's advancement, formatted the way a CLI
// would display it.
type Progress struct {
	Name      string
	BytesDone int64
	TotalSize int64
}

func (p Progress) String() string {
	return fmt.Sprintf("%s: %s / %s", p.Name, humanize.Bytes(uint64(p.BytesDone)), humanize.Bytes(uint64(p.TotalSize)))
}

// outgoingTransfer tracks one file currently being sent to a peer.
// onAcked is called with each chunk's index once its frame is
// acknowledged; SendFile wires it to the peer's own Sender.OnAck,
// while SendFileMulti wires it to a shared Assigner so multiple
// peers can drive the same transfer.
type outgoingTransfer struct {
	peer       *Peer
	streamID   uint32
	sender     *transfer.Sender
	chunkSize  uint32
	chunkCount int
	done       chan error
	onAcked    func(chunkIndex int)
}

func (o *outgoingTransfer) WriteChunk(chunkIndex int, offset int64, data []byte) error {
	eof := chunkIndex == o.chunkCount-1
	return o.peer.sendDataFrame(o.streamID, uint32(offset), data, eof, func() {
		o.onAcked(chunkIndex)
	})
}

// singlePeerAcker builds the onAcked callback for a single-recipient
// transfer: it retires the chunk from the peer's own Sender and
// signals done once every chunk is acked.
func singlePeerAcker(o *outgoingTransfer) func(int) {
	return func(chunkIndex int) {
		if err := o.sender.OnAck(chunkIndex); err == transfer.ErrTransferComplete {
			select {
			case o.done <- nil: // transfer.ErrTransferComplete: every chunk acked
			default:
			}
		}
	}
}

// SendFile transmits localPath to p: it hashes the file into a Merkle
// tree, opens a control stream carrying the offer and a data stream
// carrying the chunks, then paces chunk sends through the peer's
// congestion controller until every chunk is acknowledged or ctx ends.
func (n *Node) SendFile(ctx context.Context, p *Peer, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("node: open %s: %w", localPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("node: stat %s: %w", localPath, err)
	}
	size := stat.Size()
	chunkSize := effectiveChunkSize(n.cfg.Transfer.ChunkSize, p.CurrentMTU())
	chunkCount := transfer.ChunkCountForSize(size, int(chunkSize))

	leaves, err := n.hashChunksParallel(f, size, chunkSize, chunkCount)
	if err != nil {
		return err
	}
	tree, err := transfer.BuildMerkleTree(leaves)
	if err != nil {
		return fmt.Errorf("node: build merkle tree: %w", err)
	}
	root := tree.Root()

	out, err := n.openOutgoingTransfer(p, localPath, size, chunkSize, chunkCount, root, leaves)
	if err != nil {
		return err
	}
	out.sender = transfer.NewSender(f, size, chunkSize, chunkCount, out)
	out.onAcked = singlePeerAcker(out)

	n.metrics.TransfersStarted.Inc()
	for i := 0; i < chunkCount; i++ {
		if err := p.congestion.Limiter().WaitN(ctx, int(chunkLenFor(size, chunkSize, i))); err != nil {
			return fmt.Errorf("node: pacing wait: %w", err)
		}
		if err := out.sender.SendChunk(i); err != nil {
			return fmt.Errorf("node: send chunk %d: %w", i, err)
		}
		n.metrics.RecordChunkSent()
	}

	select {
	case <-out.done:
		n.metrics.TransfersComplete.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.sess.Done():
		return fmt.Errorf("node: session closed mid-transfer")
	}
}

// openOutgoingTransfer opens the control and data streams to p and
// sends the file offer, returning a transfer ready to have its sender
// and acknowledgement wiring filled in by the caller.
func (n *Node) openOutgoingTransfer(p *Peer, localPath string, size int64, chunkSize uint32, chunkCount int, root [32]byte, leaves [][32]byte) (*outgoingTransfer, error) {
	metaStream, err := p.allocateOutgoingStream("offer", 0)
	if err != nil {
		return nil, fmt.Errorf("node: open control stream: %w", err)
	}
	dataStream, err := p.allocateOutgoingStream(filepath.Base(localPath), uint64(size))
	if err != nil {
		return nil, fmt.Errorf("node: open data stream: %w", err)
	}

	offer := fileOffer{
		Name:         filepath.Base(localPath),
		Size:         size,
		ChunkSize:    chunkSize,
		ChunkCount:   chunkCount,
		RootHash:     hex.EncodeToString(root[:]),
		Leaves:       encodeLeaves(leaves),
		DataStreamID: dataStream.ID,
	}
	body, err := json.Marshal(offer)
	if err != nil {
		return nil, fmt.Errorf("node: marshal offer: %w", err)
	}
	if err := p.sess.SendStreamOpen(metaStream.ID); err != nil {
		return nil, fmt.Errorf("node: send control stream open: %w", err)
	}
	if err := p.sendDataFrame(metaStream.ID, 0, body, true, nil); err != nil {
		return nil, fmt.Errorf("node: send offer: %w", err)
	}
	if err := p.sess.SendStreamOpen(dataStream.ID); err != nil {
		return nil, fmt.Errorf("node: send data stream open: %w", err)
	}

	return &outgoingTransfer{peer: p, streamID: dataStream.ID, chunkSize: chunkSize, chunkCount: chunkCount, done: make(chan error, 1)}, nil
}

// SendFileMulti transmits localPath to several peers at once, sharing
// one Merkle tree and one transfer.Assigner across them: each peer
// runs its own pull loop drawing its weighted-EMA share of the
// missing set, acks feed that peer's speed estimate, and assignments
// outstanding past 2x a peer's estimated completion time are stolen
// back and redelivered by whichever peer asks for work next. A lone
// peer is handed off to SendFile rather than paying assigner overhead
// for a single-recipient transfer.
func (n *Node) SendFileMulti(ctx context.Context, peers []*Peer, localPath string) error {
	if len(peers) == 0 {
		return fmt.Errorf("node: SendFileMulti: no peers given")
	}
	if len(peers) == 1 {
		return n.SendFile(ctx, peers[0], localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("node: open %s: %w", localPath, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("node: stat %s: %w", localPath, err)
	}
	size := stat.Size()

	chunkSize := n.cfg.Transfer.ChunkSize
	for _, p := range peers {
		chunkSize = effectiveChunkSize(chunkSize, p.CurrentMTU())
	}
	chunkCount := transfer.ChunkCountForSize(size, int(chunkSize))

	leaves, err := n.hashChunksParallel(f, size, chunkSize, chunkCount)
	if err != nil {
		return err
	}
	tree, err := transfer.BuildMerkleTree(leaves)
	if err != nil {
		return fmt.Errorf("node: build merkle tree: %w", err)
	}
	root := tree.Root()

	missing := transfer.NewMissingSet(chunkCount)
	assigner := transfer.NewAssigner(missing)

	type peerSend struct {
		id  string
		out *outgoingTransfer
	}
	sends := make([]*peerSend, 0, len(peers))
	for _, p := range peers {
		out, err := n.openOutgoingTransfer(p, localPath, size, chunkSize, chunkCount, root, leaves)
		if err != nil {
			return err
		}
		out.sender = transfer.NewSender(f, size, chunkSize, chunkCount, out)
		id := peerAssignmentID(p)
		out.onAcked = func(chunkIndex int) { assigner.OnChunkAcked(id, chunkIndex) }
		assigner.AddPeer(id)
		sends = append(sends, &peerSend{id: id, out: out})
	}

	n.metrics.TransfersStarted.Inc()

	var wg sync.WaitGroup
	errCh := make(chan error, len(sends))
	for _, ps := range sends {
		ps := ps
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !missing.Empty() {
				chunks := assigner.NextAssignment(ps.id)
				if len(chunks) == 0 {
					select {
					case <-time.After(20 * time.Millisecond):
						continue
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
				for _, idx := range chunks {
					if err := ps.out.peer.congestion.Limiter().WaitN(ctx, int(chunkLenFor(size, chunkSize, idx))); err != nil {
						errCh <- fmt.Errorf("node: pacing wait: %w", err)
						return
					}
					if err := ps.out.sender.SendChunk(idx); err != nil {
						errCh <- fmt.Errorf("node: send chunk %d: %w", idx, err)
						return
					}
					n.metrics.RecordChunkSent()
				}
			}
		}()
	}

	stealTicker := time.NewTicker(500 * time.Millisecond)
	defer stealTicker.Stop()
	workersDone := make(chan struct{})
	go func() { wg.Wait(); close(workersDone) }()

	for {
		select {
		case <-stealTicker.C:
			assigner.StealStale()
		case <-workersDone:
			if missing.Empty() {
				n.metrics.TransfersComplete.Inc()
				return nil
			}
			select {
			case err := <-errCh:
				return err
			default:
				return fmt.Errorf("node: multi-peer send ended with chunks still missing")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// peerAssignmentID derives the string key transfer.Assigner tracks a
// peer under, stable for the lifetime of one connection.
func peerAssignmentID(p *Peer) string {
	return fmt.Sprintf("%x", p.ConnectionID())
}

func chunkLenFor(fileSize int64, chunkSize uint32, chunkIndex int) int64 {
	offset := int64(chunkIndex) * int64(chunkSize)
	length := int64(chunkSize)
	if offset+length > fileSize {
		length = fileSize - offset
	}
	return length
}

// hashChunksParallel computes each chunk's BLAKE3 leaf hash, fanning
// the reads and hashing out across the node's bounded worker pool so
// one large file doesn't stall the socket read loop.
func (n *Node) hashChunksParallel(f *os.File, size int64, chunkSize uint32, chunkCount int) ([][32]byte, error) {
	leaves := make([][32]byte, chunkCount)
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup

	for i := 0; i < chunkCount; i++ {
		i := i
		wg.Add(1)
		n.pool.Submit(func() error {
			defer wg.Done()
			length := chunkLenFor(size, chunkSize, i)
			buf := make([]byte, length)
			if _, err := f.ReadAt(buf, int64(i)*int64(chunkSize)); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("node: read chunk %d: %w", i, err)
				}
				mu.Unlock()
				return nil
			}
			leaves[i] = transfer.LeafHash(buf)
			return nil
		})
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return leaves, nil
}

func encodeLeaves(leaves [][32]byte) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = hex.EncodeToString(l[:])
	}
	return out
}

// incomingTransfer tracks one file currently being received from a
// peer, fed directly from Data frames whose StreamID matches the
// offer's DataStreamID (bypassing streammux's ordered reassembly,
// since chunk delivery already tolerates reordering at the bitmap
// level).
type incomingTransfer struct {
	peer      *Peer
	receiver  *transfer.Receiver
	chunkSize uint32
	done      chan struct{}
	doneOnce  sync.Once
}

func (t *incomingTransfer) onChunkFrame(offset uint32, data []byte) error {
	chunkIndex := int(offset / t.chunkSize)
	if err := t.receiver.WriteChunk(chunkIndex, data); err != nil {
		t.peer.node.metrics.RecordChunkVerifyFailed()
		t.peer.log.Debug("chunk rejected", slog.String("error", err.Error()))
		return err
	}
	t.peer.node.metrics.RecordChunkReceived()
	t.peer.node.metrics.TransferBytesDone.Set(float64(t.receiver.BytesDone()))
	if t.receiver.MissingCount() == 0 {
		t.doneOnce.Do(func() { close(t.done) })
	}
	return nil
}

// acceptIncomingFunc decides whether to accept an offered file and,
// if so, where to write it. The default accepts everything into
// <DataDir>/incoming/<name>.
type acceptIncomingFunc func(p *Peer, name string, size int64) (destPath string, accept bool)

func defaultAcceptIncoming(dataDir string) acceptIncomingFunc {
	return func(p *Peer, name string, size int64) (string, bool) {
		dir := filepath.Join(dataDir, "incoming")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", false
		}
		return filepath.Join(dir, filepath.Base(name)), true
	}
}

func (n *Node) handleOffer(p *Peer, raw []byte) {
	var offer fileOffer
	if err := json.Unmarshal(raw, &offer); err != nil {
		p.log.Debug("malformed file offer")
		return
	}

	destPath, accept := n.acceptIncoming(p, offer.Name, offer.Size)
	if !accept {
		return
	}

	var root [32]byte
	rootBytes, err := hex.DecodeString(offer.RootHash)
	if err != nil || len(rootBytes) != 32 {
		p.log.Warn("file offer with invalid root hash")
		return
	}
	copy(root[:], rootBytes)

	recv, err := transfer.NewReceiver(destPath, offer.Name, offer.Size, root, offer.ChunkSize, offer.ChunkCount)
	if err != nil {
		p.log.Warn("cannot open destination for incoming transfer", slog.String("error", err.Error()))
		return
	}
	for i, hexLeaf := range offer.Leaves {
		leafBytes, err := hex.DecodeString(hexLeaf)
		if err != nil || len(leafBytes) != 32 {
			continue
		}
		var leaf [32]byte
		copy(leaf[:], leafBytes)
		_ = recv.AddLeafHash(i, leaf)
	}

	it := &incomingTransfer{peer: p, receiver: recv, chunkSize: offer.ChunkSize, done: make(chan struct{})}
	p.mu.Lock()
	p.transfersIn[offer.DataStreamID] = it
	p.mu.Unlock()
	p.mux.CloseStream(offer.DataStreamID) // drop placeholder mux stream if it raced in first
	n.metrics.TransfersStarted.Inc()
}

// WaitIncoming blocks until the transfer on streamID completes (every
// chunk received) or ctx ends, then verifies the assembled file
// against its Merkle root.
func (n *Node) WaitIncoming(ctx context.Context, p *Peer, streamID uint32) error {
	p.mu.Lock()
	t, ok := p.transfersIn[streamID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("node: no incoming transfer on stream %d", streamID)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	ok2, err := t.receiver.VerifyFinal()
	if err != nil {
		return fmt.Errorf("node: verify final: %w", err)
	}
	if !ok2 {
		return fmt.Errorf("node: final verification failed")
	}
	n.metrics.TransfersComplete.Inc()
	return t.receiver.Close()
}
