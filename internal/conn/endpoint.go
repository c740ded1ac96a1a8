package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// payloadWriteFanOut bounds how many endpoints one chunk/control write is
// issued to concurrently (spec.md section 4.4: "synchronous and
// sequential per endpoint but parallel across endpoints").
const payloadWriteFanOut = 8

// FrameDispatcher receives frames demultiplexed off one endpoint's
// channel (spec.md section 4.4: "Incoming frames dispatched by
// EndpointManager fan out to BwuManager ... PayloadManager ... and the
// PCP handler"). Implementations must not block for long — the
// dispatching goroutine is also this endpoint's only reader.
type FrameDispatcher interface {
	DispatchFrame(endpointID string, f *OfflineFrame)
	// OnEndpointTimeout fires when no frame (including keep-alives) is
	// received within the configured keep-alive timeout.
	OnEndpointTimeout(endpointID string)
	// OnEndpointIOError fires when a read or write fails for a reason
	// other than an explicit Close.
	OnEndpointIOError(endpointID string, err error)
}

// endpointWorker owns one endpoint's read/keep-alive loop (spec.md
// section 4.4, glossary: EndpointManager). Its Run loop mirrors the
// BFD session's select-based event loop: a receive channel fed by a
// dedicated reader goroutine, a transmit timer, and a detection
// ("keep-alive timeout") timer.
type endpointWorker struct {
	endpointID string
	ch         EndpointChannel
	dispatcher FrameDispatcher
	logger     *slog.Logger

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func newEndpointWorker(
	endpointID string,
	ch EndpointChannel,
	dispatcher FrameDispatcher,
	keepAliveInterval, keepAliveTimeout time.Duration,
	logger *slog.Logger,
) *endpointWorker {
	return &endpointWorker{
		endpointID:        endpointID,
		ch:                ch,
		dispatcher:        dispatcher,
		logger:            logger.With(slog.String("endpoint_id", endpointID)),
		keepAliveInterval: keepAliveInterval,
		keepAliveTimeout:  keepAliveTimeout,
		done:              make(chan struct{}),
	}
}

// run starts the reader goroutine and blocks in the worker's event
// loop until ctx is cancelled or the channel errors out terminally.
// The caller assigns w.cancel before starting run, so a concurrent
// stop() always has a cancel func to fire.
func (w *endpointWorker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()

	recvCh := make(chan *OfflineFrame, 16)
	go w.readLoop(ctx, recvCh)

	keepAliveTimer := time.NewTimer(w.keepAliveInterval)
	defer keepAliveTimer.Stop()
	timeoutTimer := time.NewTimer(w.keepAliveTimeout)
	defer timeoutTimer.Stop()

	w.logger.Info("endpoint worker started",
		slog.Duration("keep_alive_interval", w.keepAliveInterval),
		slog.Duration("keep_alive_timeout", w.keepAliveTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("endpoint worker stopped")
			return

		case f, ok := <-recvCh:
			if !ok {
				return
			}
			if !timeoutTimer.Stop() {
				drainTimer(timeoutTimer)
			}
			timeoutTimer.Reset(w.keepAliveTimeout)

			if f.Type != FrameKeepAlive {
				w.dispatcher.DispatchFrame(w.endpointID, f)
			}

		case <-keepAliveTimer.C:
			w.sendKeepAlive(ctx)
			keepAliveTimer.Reset(w.keepAliveInterval)

		case <-timeoutTimer.C:
			w.logger.Warn("endpoint keep-alive timeout")
			w.dispatcher.OnEndpointTimeout(w.endpointID)
			_ = w.ch.Close(CloseReasonKeepAliveTimeout)
			return
		}
	}
}

func (w *endpointWorker) readLoop(ctx context.Context, recvCh chan<- *OfflineFrame) {
	defer close(recvCh)
	for {
		f, err := w.ch.Read(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			w.dispatcher.OnEndpointIOError(w.endpointID, err)
			return
		}
		select {
		case recvCh <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (w *endpointWorker) sendKeepAlive(ctx context.Context) {
	f := &OfflineFrame{Version: FrameVersion1, Type: FrameKeepAlive}
	if err := w.ch.Write(ctx, f); err != nil {
		w.dispatcher.OnEndpointIOError(w.endpointID, err)
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

// stop cancels the worker's context and waits for its loops to exit.
func (w *endpointWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// -------------------------------------------------------------------------
// EndpointManager
// -------------------------------------------------------------------------

// EndpointManager owns one read/keep-alive worker per registered
// endpoint (spec.md section 4.4, glossary: EndpointManager).
type EndpointManager struct {
	mu      sync.Mutex
	workers map[string]*endpointWorker
	logger  *slog.Logger
}

// NewEndpointManager creates an empty EndpointManager.
func NewEndpointManager(logger *slog.Logger) *EndpointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointManager{
		workers: make(map[string]*endpointWorker),
		logger:  logger.With(slog.String("component", "conn.endpoint_manager")),
	}
}

// RegisterEndpoint starts a reader/keep-alive worker for endpointID over
// ch, dispatching received frames to dispatcher. Returns
// ErrAlreadyConnected if a worker is already registered for this
// endpoint id.
func (m *EndpointManager) RegisterEndpoint(
	ctx context.Context,
	endpointID string,
	ch EndpointChannel,
	dispatcher FrameDispatcher,
	keepAliveInterval, keepAliveTimeout time.Duration,
) error {
	m.mu.Lock()
	if _, exists := m.workers[endpointID]; exists {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	w := newEndpointWorker(endpointID, ch, dispatcher, keepAliveInterval, keepAliveTimeout, m.logger)
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	m.workers[endpointID] = w
	m.mu.Unlock()

	go w.run(workerCtx)
	return nil
}

// UnregisterEndpoint stops and removes endpointID's worker. A no-op if
// no worker is registered.
func (m *EndpointManager) UnregisterEndpoint(endpointID string) {
	m.mu.Lock()
	w, ok := m.workers[endpointID]
	if ok {
		delete(m.workers, endpointID)
	}
	m.mu.Unlock()

	if ok {
		w.stop()
	}
}

// workerConfig carries the pieces of a worker needed to re-register its
// endpoint id against a replacement channel.
type workerConfig struct {
	dispatcher        FrameDispatcher
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
}

// Detach stops endpointID's worker and removes it from the registry
// without touching the channel's lifecycle, returning enough state to
// re-register the same endpoint id against a replacement channel (spec.md
// section 4.6 step 4: the channel swap must not disturb the endpoint's
// identity or its dispatch wiring). Returns ok=false if no worker is
// registered for endpointID.
func (m *EndpointManager) Detach(endpointID string) (workerConfig, bool) {
	m.mu.Lock()
	w, ok := m.workers[endpointID]
	if ok {
		delete(m.workers, endpointID)
	}
	m.mu.Unlock()
	if !ok {
		return workerConfig{}, false
	}
	w.stop()
	return workerConfig{
		dispatcher:        w.dispatcher,
		keepAliveInterval: w.keepAliveInterval,
		keepAliveTimeout:  w.keepAliveTimeout,
	}, true
}

// Forget removes endpointID's map entry without signaling or waiting on
// its worker. Used when the worker has already decided to exit on its
// own (keep-alive timeout, read/write error) and only needs its
// manager-side bookkeeping cleared; calling UnregisterEndpoint from
// inside that same worker's goroutine would deadlock waiting on itself.
func (m *EndpointManager) Forget(endpointID string) {
	m.mu.Lock()
	delete(m.workers, endpointID)
	m.mu.Unlock()
}

// Len reports the number of currently registered endpoint workers.
func (m *EndpointManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// SendPayloadChunk serializes header+chunk into a PayloadTransferFrame and
// writes it to every endpoint in ids, returning the subset that failed
// (spec.md section 4.4).
func (m *EndpointManager) SendPayloadChunk(ctx context.Context, header PayloadHeader, chunk PayloadChunk, ids []string) []string {
	return m.fanOutWrite(ctx, &OfflineFrame{
		Version:         FrameVersion1,
		Type:            FramePayloadTransfer,
		PayloadTransfer: &PayloadTransferFrame{Header: header, Chunk: &chunk},
	}, ids)
}

// SendControlMessage is the analogous fan-out path for payload control
// frames (CANCEL/PAUSE/RESUME/RECEIVED_ACK/ERROR).
func (m *EndpointManager) SendControlMessage(ctx context.Context, header PayloadHeader, control PayloadControl, ids []string) []string {
	return m.fanOutWrite(ctx, &OfflineFrame{
		Version:         FrameVersion1,
		Type:            FramePayloadTransfer,
		PayloadTransfer: &PayloadTransferFrame{Header: header, Control: &control},
	}, ids)
}

// fanOutWrite writes f to each of ids' channel, bounding concurrency at
// payloadWriteFanOut, and returns the ids whose write failed or whose
// endpoint is not currently registered.
func (m *EndpointManager) fanOutWrite(ctx context.Context, f *OfflineFrame, ids []string) []string {
	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)
	sem := semaphore.NewWeighted(payloadWriteFanOut)

	for _, id := range ids {
		m.mu.Lock()
		w, ok := m.workers[id]
		m.mu.Unlock()
		if !ok {
			mu.Lock()
			failed = append(failed, id)
			mu.Unlock()
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed = append(failed, id)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id string, w *endpointWorker) {
			defer wg.Done()
			defer sem.Release(1)
			if err := w.ch.Write(ctx, f); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
		}(id, w)
	}

	wg.Wait()
	return failed
}

// Shutdown stops every registered worker and waits for them to exit.
func (m *EndpointManager) Shutdown() {
	m.mu.Lock()
	workers := make([]*endpointWorker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}
