package conn

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// PayloadType tags a Payload's body kind (spec.md section 3).
type PayloadType uint8

const (
	PayloadBytes PayloadType = iota
	PayloadStream
	PayloadFile
)

func (t PayloadType) String() string {
	switch t {
	case PayloadBytes:
		return "BYTES"
	case PayloadStream:
		return "STREAM"
	case PayloadFile:
		return "FILE"
	default:
		return "UNKNOWN_PAYLOAD_TYPE"
	}
}

// maxTransmitChunkSize caps a single PayloadChunk.Body (spec.md section
// 4.7: "min(channel.max_transmit_packet_size, 32 KiB)"). The per-medium
// transmit size is a platform driver concern outside package scope, so
// fragmentation here always uses the upper bound.
const maxTransmitChunkSize = 32 << 10

// payloadWriterQueueDepth bounds how many outstanding sends one writer
// goroutine (bytes/stream/file) may have queued before SendPayload blocks.
const payloadWriterQueueDepth = 16

// NewPayloadID returns a random, globally-unique-enough 64-bit payload id
// (spec.md section 3: "id is client-generated and globally unique per
// direction per endpoint").
func NewPayloadID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := int64(binary.BigEndian.Uint64(b[:]))
	if id < 0 {
		id = -id
	}
	return id
}

// Payload is one client-provided send request (spec.md section 3). Exactly
// one of Bytes, Stream or FilePath is meaningful, selected by Type.
type Payload struct {
	ID           int64
	Type         PayloadType
	Bytes        []byte
	Stream       io.Reader
	FilePath     string
	ParentFolder string
	FileName     string
}

// PayloadProgress is the observable transfer state (spec.md section 4.7
// item 3), reported for both the sending and receiving side.
type PayloadProgress struct {
	PayloadID        int64
	Status           PayloadStatus
	BytesTransferred int64
	Total            int64
}

// PayloadProgressListener observes a send's progress.
type PayloadProgressListener interface {
	OnPayloadProgress(endpointID string, p PayloadProgress)
}

// ReceivedPayload hands the receiver a live or completed payload body.
// Stream and FilePath are delivered via OnPayloadReceived as soon as the
// header arrives and are safe to read incrementally; Bytes payloads are
// buffered internally and delivered via a single OnPayloadReceived call
// once the last chunk arrives, just before the PayloadSuccess progress.
type ReceivedPayload struct {
	ID       int64
	Type     PayloadType
	Bytes    []byte
	Stream   io.ReadCloser
	FilePath string
}

// ReceivedPayloadListener observes incoming payloads for one endpoint
// (spec.md section 4.3.5: "a PayloadListener ... set only after local
// accept").
type ReceivedPayloadListener interface {
	OnPayloadReceived(endpointID string, header PayloadHeader, payload ReceivedPayload)
	OnPayloadProgress(endpointID string, p PayloadProgress)
}

// -------------------------------------------------------------------------
// Outgoing side
// -------------------------------------------------------------------------

type outgoingPayload struct {
	id        int64
	typ       PayloadType
	header    PayloadHeader
	endpoints []string
	listener  PayloadProgressListener

	bytesBody []byte
	stream    io.Reader
	filePath  string

	total    int64
	canceled atomic.Bool
}

type sendJob struct {
	ctx context.Context
	p   *outgoingPayload
}

// -------------------------------------------------------------------------
// Incoming side
// -------------------------------------------------------------------------

type incomingKey struct {
	endpointID string
	payloadID  int64
}

type incomingPayload struct {
	header       PayloadHeader
	sink         io.WriteCloser
	bytesBuf     *bytes.Buffer
	streamReader *io.PipeReader
	nextOffset   int64
	received     int64
	done         bool
}

func (p *incomingPayload) total() int64 { return p.header.TotalSize }

// -------------------------------------------------------------------------
// PayloadManager
// -------------------------------------------------------------------------

// PayloadManager fragments, sends, reassembles and cancels payloads
// (spec.md section 4.7). Three dedicated writer goroutines (bytes, stream,
// file) keep slow file I/O from blocking small messages; a fourth
// goroutine serializes progress callbacks so listeners observe events in
// non-decreasing bytes_transferred order per payload (spec.md section 5).
type PayloadManager struct {
	endpoints *EndpointManager
	savePath  string
	logger    *slog.Logger

	bytesJobs  chan sendJob
	streamJobs chan sendJob
	fileJobs   chan sendJob

	progressTasks chan func()
	stopOnce      sync.Once
	stopped       chan struct{}

	mu       sync.Mutex
	outgoing map[int64]*outgoingPayload
	incoming map[incomingKey]*incomingPayload
	// receivers maps an endpoint to the listener installed for it at
	// accept time (spec.md section 4.3.5).
	receivers map[string]ReceivedPayloadListener
}

// NewPayloadManager creates a PayloadManager whose File payloads are
// received into savePath, and starts its writer and progress goroutines.
func NewPayloadManager(endpoints *EndpointManager, savePath string, logger *slog.Logger) *PayloadManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &PayloadManager{
		endpoints:     endpoints,
		savePath:      savePath,
		logger:        logger.With(slog.String("component", "conn.payload_manager")),
		bytesJobs:     make(chan sendJob, payloadWriterQueueDepth),
		streamJobs:    make(chan sendJob, payloadWriterQueueDepth),
		fileJobs:      make(chan sendJob, payloadWriterQueueDepth),
		progressTasks: make(chan func(), 64),
		stopped:       make(chan struct{}),
		outgoing:      make(map[int64]*outgoingPayload),
		incoming:      make(map[incomingKey]*incomingPayload),
		receivers:     make(map[string]ReceivedPayloadListener),
	}
	go m.runWriter(m.bytesJobs)
	go m.runWriter(m.streamJobs)
	go m.runWriter(m.fileJobs)
	go m.runProgress()
	return m
}

// Close stops the writer and progress goroutines. No further sends may be
// started afterward.
func (m *PayloadManager) Close() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// SetPayloadListener installs the listener that receives payloads arriving
// from endpointID, mirroring the controller attaching a PayloadListener on
// local accept (spec.md section 4.3.5).
func (m *PayloadManager) SetPayloadListener(endpointID string, listener ReceivedPayloadListener) {
	m.mu.Lock()
	m.receivers[endpointID] = listener
	m.mu.Unlock()
}

// RemovePayloadListener forgets endpointID's listener, used on disconnect.
func (m *PayloadManager) RemovePayloadListener(endpointID string) {
	m.mu.Lock()
	delete(m.receivers, endpointID)
	m.mu.Unlock()
}

func (m *PayloadManager) postProgress(task func()) {
	select {
	case m.progressTasks <- task:
	case <-m.stopped:
	}
}

func (m *PayloadManager) runProgress() {
	for {
		select {
		case task := <-m.progressTasks:
			task()
		case <-m.stopped:
			return
		}
	}
}

// SendPayload fragments p and writes it to every endpoint in ids via the
// writer goroutine matching p.Type (spec.md section 4.7).
func (m *PayloadManager) SendPayload(ctx context.Context, ids []string, p Payload, listener PayloadProgressListener) error {
	if len(ids) == 0 {
		return fmt.Errorf("send payload %d: %w", p.ID, ErrEndpointUnknown)
	}

	out := &outgoingPayload{
		id:        p.ID,
		typ:       p.Type,
		endpoints: append([]string(nil), ids...),
		listener:  listener,
		bytesBody: p.Bytes,
		stream:    p.Stream,
		filePath:  p.FilePath,
		header: PayloadHeader{
			ID:           p.ID,
			Type:         p.Type,
			ParentFolder: p.ParentFolder,
			FileName:     p.FileName,
		},
	}

	switch p.Type {
	case PayloadBytes:
		out.total = int64(len(p.Bytes))
	case PayloadFile:
		info, err := os.Stat(p.FilePath)
		if err != nil {
			return fmt.Errorf("send payload %d: stat file: %w", p.ID, err)
		}
		out.total = info.Size()
	case PayloadStream:
		out.total = -1 // unknown until drained
	}
	out.header.TotalSize = out.total

	m.mu.Lock()
	m.outgoing[p.ID] = out
	m.mu.Unlock()

	job := sendJob{ctx: ctx, p: out}
	var jobs chan sendJob
	switch p.Type {
	case PayloadStream:
		jobs = m.streamJobs
	case PayloadFile:
		jobs = m.fileJobs
	default:
		jobs = m.bytesJobs
	}

	select {
	case jobs <- job:
		return nil
	case <-m.stopped:
		return fmt.Errorf("send payload %d: %w", p.ID, ErrChannelClosed)
	}
}

func (m *PayloadManager) runWriter(jobs chan sendJob) {
	for {
		select {
		case job := <-jobs:
			m.transfer(job)
		case <-m.stopped:
			return
		}
	}
}

func (m *PayloadManager) transfer(job sendJob) {
	p := job.p
	var src io.Reader
	switch p.typ {
	case PayloadBytes:
		src = bytes.NewReader(p.bytesBody)
	case PayloadStream:
		src = p.stream
	case PayloadFile:
		f, err := os.Open(p.filePath)
		if err != nil {
			m.finishOutgoing(p, PayloadFailure, 0)
			return
		}
		defer f.Close()
		src = f
	}

	var sent int64
	buf := make([]byte, maxTransmitChunkSize)
	for {
		if p.canceled.Load() {
			m.finishOutgoing(p, PayloadCanceled, sent)
			return
		}

		n, err := io.ReadFull(src, buf)
		last := false
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			last = true
		} else if err != nil {
			m.finishOutgoing(p, PayloadFailure, sent)
			return
		}

		chunk := PayloadChunk{Offset: sent, Last: last, Body: append([]byte(nil), buf[:n]...)}
		failed := m.endpoints.SendPayloadChunk(job.ctx, p.header, chunk, p.endpoints)
		sent += int64(n)

		if len(failed) == len(p.endpoints) && len(p.endpoints) > 0 {
			m.finishOutgoing(p, PayloadFailure, sent)
			return
		}

		if last {
			m.finishOutgoing(p, PayloadSuccess, sent)
			return
		}

		m.reportProgress(p.listener, "", PayloadProgress{
			PayloadID: p.id, Status: PayloadInProgress, BytesTransferred: sent, Total: p.total,
		})
	}
}

func (m *PayloadManager) finishOutgoing(p *outgoingPayload, status PayloadStatus, sent int64) {
	m.mu.Lock()
	delete(m.outgoing, p.id)
	m.mu.Unlock()

	total := p.total
	if total < 0 {
		total = sent
	}
	m.reportProgress(p.listener, "", PayloadProgress{
		PayloadID: p.id, Status: status, BytesTransferred: sent, Total: total,
	})
}

func (m *PayloadManager) reportProgress(listener PayloadProgressListener, endpointID string, progress PayloadProgress) {
	if listener == nil {
		return
	}
	m.postProgress(func() { listener.OnPayloadProgress(endpointID, progress) })
}

// CancelPayload flips the local cancellation flag for id, sends
// PAYLOAD_CANCELED to every endpoint holding it, then releases resources
// (spec.md section 4.7).
func (m *PayloadManager) CancelPayload(ctx context.Context, id int64) error {
	m.mu.Lock()
	p, ok := m.outgoing[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel payload %d: %w", id, ErrPayloadUnknown)
	}

	p.canceled.Store(true)
	m.endpoints.SendControlMessage(ctx, p.header, PayloadControl{Event: PayloadEventCancel}, p.endpoints)
	return nil
}

// -------------------------------------------------------------------------
// Receive path
// -------------------------------------------------------------------------

// OnPayloadFrame handles a PAYLOAD_TRANSFER frame arriving from
// endpointID, the FrameRouter.OnPayloadFrame hook (spec.md section 4.4).
func (m *PayloadManager) OnPayloadFrame(endpointID string, f *OfflineFrame) {
	if f.Type != FramePayloadTransfer || f.PayloadTransfer == nil {
		return
	}
	pt := f.PayloadTransfer

	switch {
	case pt.Chunk != nil:
		m.onChunk(endpointID, pt.Header, pt.Chunk)
	case pt.Control != nil:
		m.onControl(endpointID, pt.Header, pt.Control)
	}
}

func (m *PayloadManager) onChunk(endpointID string, header PayloadHeader, chunk *PayloadChunk) {
	key := incomingKey{endpointID: endpointID, payloadID: header.ID}

	m.mu.Lock()
	in, exists := m.incoming[key]
	if !exists {
		var err error
		in, err = m.newIncomingPayload(header)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("failed to create incoming payload sink",
				slog.Int64("payload_id", header.ID), slog.String("error", err.Error()))
			return
		}
		m.incoming[key] = in

		listener := m.receivers[endpointID]
		m.mu.Unlock()

		if listener != nil && header.Type != PayloadBytes {
			m.postProgress(func() {
				listener.OnPayloadReceived(endpointID, header, m.receivedPayloadHandle(header, in))
			})
		}
	} else {
		m.mu.Unlock()
	}

	if chunk.Offset != in.nextOffset {
		// Out-of-order is not supported (spec.md section 4.7): a gap
		// closes the payload as Failure.
		m.failIncoming(endpointID, key, in)
		return
	}

	if _, err := in.sink.Write(chunk.Body); err != nil {
		m.failIncoming(endpointID, key, in)
		return
	}
	in.nextOffset += int64(len(chunk.Body))
	in.received += int64(len(chunk.Body))

	listener := m.receiverFor(endpointID)
	total := in.total()
	if total < 0 {
		total = in.received
	}

	if chunk.Last {
		in.done = true
		_ = in.sink.Close()
		m.mu.Lock()
		delete(m.incoming, key)
		m.mu.Unlock()

		if listener != nil && header.Type == PayloadBytes {
			m.postProgress(func() {
				listener.OnPayloadReceived(endpointID, header, ReceivedPayload{
					ID: header.ID, Type: header.Type, Bytes: in.bytesBuf.Bytes(),
				})
			})
		}
		m.reportProgress(listener, endpointID, PayloadProgress{
			PayloadID: header.ID, Status: PayloadSuccess, BytesTransferred: in.received, Total: total,
		})
		return
	}

	m.reportProgress(listener, endpointID, PayloadProgress{
		PayloadID: header.ID, Status: PayloadInProgress, BytesTransferred: in.received, Total: total,
	})
}

func (m *PayloadManager) onControl(endpointID string, header PayloadHeader, control *PayloadControl) {
	key := incomingKey{endpointID: endpointID, payloadID: header.ID}

	switch control.Event {
	case PayloadEventCancel:
		m.mu.Lock()
		in, ok := m.incoming[key]
		if ok {
			delete(m.incoming, key)
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		_ = in.sink.Close()
		m.reportProgress(m.receiverFor(endpointID), endpointID, PayloadProgress{
			PayloadID: header.ID, Status: PayloadCanceled, BytesTransferred: in.received, Total: in.total(),
		})

	case PayloadEventError:
		m.failIncoming(endpointID, key, nil)

	case PayloadEventReceivedAck:
		// Advances the sender's acknowledged offset to bound memory
		// during streaming; this package buffers per-chunk only, so
		// there is nothing further to release here.

	case PayloadEventPause, PayloadEventResume:
		// No-op: this package does not throttle sends per payload,
		// only per endpoint via EndpointChannel.Pause/Resume during BWU.
	}
}

func (m *PayloadManager) failIncoming(endpointID string, key incomingKey, in *incomingPayload) {
	m.mu.Lock()
	if in == nil {
		in = m.incoming[key]
	}
	delete(m.incoming, key)
	m.mu.Unlock()

	if in == nil {
		return
	}
	_ = in.sink.Close()
	m.reportProgress(m.receiverFor(endpointID), endpointID, PayloadProgress{
		PayloadID: key.payloadID, Status: PayloadFailure, BytesTransferred: in.received, Total: in.total(),
	})
}

func (m *PayloadManager) receiverFor(endpointID string) ReceivedPayloadListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivers[endpointID]
}

// OnEndpointDisconnected marks every in-flight payload on endpointID as
// Failure (spec.md section 8 scenario 5, section 4.7).
func (m *PayloadManager) OnEndpointDisconnected(endpointID string) {
	m.mu.Lock()
	var toFail []incomingKey
	for key := range m.incoming {
		if key.endpointID == endpointID {
			toFail = append(toFail, key)
		}
	}
	var outFail []*outgoingPayload
	for _, p := range m.outgoing {
		for _, id := range p.endpoints {
			if id == endpointID {
				outFail = append(outFail, p)
				break
			}
		}
	}
	m.mu.Unlock()

	for _, key := range toFail {
		m.failIncoming(endpointID, key, nil)
	}
	for _, p := range outFail {
		p.canceled.Store(true)
	}
}

func (m *PayloadManager) newIncomingPayload(header PayloadHeader) (*incomingPayload, error) {
	switch header.Type {
	case PayloadFile:
		name := header.FileName
		if name == "" {
			name = fmt.Sprintf("%d", header.ID)
		}
		path := filepath.Join(m.savePath, filepath.Base(name))
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("create payload file: %w", err)
		}
		return &incomingPayload{header: header, sink: f}, nil

	case PayloadStream:
		pr, pw := io.Pipe()
		return &incomingPayload{header: header, sink: pw, streamReader: pr}, nil

	default: // PayloadBytes
		buf := &bytes.Buffer{}
		return &incomingPayload{header: header, sink: nopWriteCloser{buf}, bytesBuf: buf}, nil
	}
}

func (m *PayloadManager) receivedPayloadHandle(header PayloadHeader, in *incomingPayload) ReceivedPayload {
	rp := ReceivedPayload{ID: header.ID, Type: header.Type}
	switch header.Type {
	case PayloadFile:
		if f, ok := in.sink.(*os.File); ok {
			rp.FilePath = f.Name()
		}
	case PayloadStream:
		rp.Stream = in.streamReader
	}
	return rp
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
