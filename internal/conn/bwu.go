package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// readClientIntroductionFrameTimeout bounds the initiator's wait for
// CLIENT_INTRODUCTION on the freshly accepted channel (spec.md section
// 4.6 step 4).
const readClientIntroductionFrameTimeout = 5 * time.Second

// BwuMediumHandler sets up and tears down one medium's upgrade path,
// standing in for the platform driver's "medium pack" of BWU function
// objects (spec.md section 9). One handler is registered per upgradable
// medium.
type BwuMediumHandler interface {
	Medium() Medium
	// StartListening prepares a listening endpoint for an upgrade
	// targeting endpointID and returns how the other side can reach it.
	StartListening(ctx context.Context, endpointID string) (UpgradePathInfo, error)
	// Accept blocks for the inbound connection on the listener most
	// recently started for endpointID.
	Accept(ctx context.Context, endpointID string) (EndpointChannel, error)
	// Connect dials an upgrade path advertised by the other side's
	// StartListening.
	Connect(ctx context.Context, path UpgradePathInfo) (EndpointChannel, error)
	// StopListening tears down any listener left open for endpointID,
	// called once an attempt concludes or HandleRevert fires.
	StopListening(endpointID string) error
}

// BwuConfig configures medium selection and retry behavior for
// BwuManager (spec.md section 4.6).
type BwuConfig struct {
	AllowUpgradeTo []Medium
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration
}

func (c BwuConfig) withDefaults() BwuConfig {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	return c
}

// BwuResultListener observes upgrade outcomes, mainly for metrics and
// tests; an upgrade failure is never surfaced to the client (spec.md
// section 7: "upgrade error is never surfaced to the client, only
// logged").
type BwuResultListener interface {
	OnUpgradeComplete(endpointID string, medium Medium)
}

// endpointBwuState is the per-endpoint bookkeeping BwuManager keeps
// (spec.md section 4.6: "endpoint_id -> medium").
type endpointBwuState struct {
	localEndpointID string
	remoteMediums   []Medium
	medium          Medium
	upgrading       bool
}

// bwuAttempt is the live state for one in-progress upgrade. Both roles
// park incoming BANDWIDTH_UPGRADE_NEGOTIATION frames on control once the
// endpoint's normal worker has been detached (see takeoverOldChannel).
type bwuAttempt struct {
	endpointID string
	control    chan *OfflineFrame
	cancel     context.CancelFunc
	readerDone chan struct{}
}

// BwuManager drives the three-phase bandwidth-upgrade protocol (spec.md
// section 4.6) on its own serial executor, the same serialized
// background-action shape BasePcpHandler uses for its PCP thread.
type BwuManager struct {
	cfg       BwuConfig
	handlers  map[Medium]BwuMediumHandler
	channels  *EndpointChannelManager
	endpoints *EndpointManager
	listener  BwuResultListener
	logger    *slog.Logger

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	states     map[string]*endpointBwuState
	mediumRefs map[Medium]int
	attempts   map[string]*bwuAttempt
}

// NewBwuManager constructs a BwuManager backed by handlers, one of which
// typically wraps a TCPListener per medium in the demo daemon.
func NewBwuManager(cfg BwuConfig, handlers []BwuMediumHandler, channels *EndpointChannelManager, endpoints *EndpointManager, listener BwuResultListener, logger *slog.Logger) *BwuManager {
	if logger == nil {
		logger = slog.Default()
	}
	hmap := make(map[Medium]BwuMediumHandler, len(handlers))
	for _, h := range handlers {
		hmap[h.Medium()] = h
	}
	m := &BwuManager{
		cfg:        cfg.withDefaults(),
		handlers:   hmap,
		channels:   channels,
		endpoints:  endpoints,
		listener:   listener,
		logger:     logger.With(slog.String("component", "conn.bwu_manager")),
		tasks:      make(chan func(), 64),
		done:       make(chan struct{}),
		states:     make(map[string]*endpointBwuState),
		mediumRefs: make(map[Medium]int),
		attempts:   make(map[string]*bwuAttempt),
	}
	go m.runExecutor()
	return m
}

func (m *BwuManager) runExecutor() {
	for {
		select {
		case task := <-m.tasks:
			task()
		case <-m.done:
			return
		}
	}
}

// post schedules task on the BWU thread; tasks posted after Close (e.g.
// a retry timer firing during shutdown) are dropped.
func (m *BwuManager) post(task func()) {
	select {
	case m.tasks <- task:
	case <-m.done:
	}
}

func (m *BwuManager) postSync(task func()) {
	ran := make(chan struct{})
	select {
	case m.tasks <- func() { task(); close(ran) }:
	case <-m.done:
		return
	}
	select {
	case <-ran:
	case <-m.done:
	}
}

// Close stops the BWU thread. No further operations may be posted.
func (m *BwuManager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// OnEndpointConnected records endpointID's current medium and the set of
// mediums the remote side advertised support for, seeding future
// InitiateBwuForEndpoint medium selection. localEndpointID is this
// side's own id, which a responder sends in CLIENT_INTRODUCTION so the
// initiator can match the new channel to its in-progress upgrade — the
// id the initiator keys that upgrade by is exactly the responder's
// local id.
func (m *BwuManager) OnEndpointConnected(endpointID, localEndpointID string, currentMedium Medium, remoteMediums []Medium) {
	m.postSync(func() {
		m.states[endpointID] = &endpointBwuState{
			localEndpointID: localEndpointID,
			remoteMediums:   remoteMediums,
			medium:          currentMedium,
		}
		m.mediumRefs[currentMedium]++
	})
}

// OnEndpointDisconnected drops endpointID's bookkeeping and, if it was
// the last endpoint using its current medium, invokes that medium
// handler's HandleRevert equivalent (StopListening) to tear down the now
// unused upgrade listener (spec.md section 4.6, last paragraph).
//
// Unlike the original implementation's acknowledged off-by-one
// (`connected <= 1` where `== 0` was intended), this uses strict
// reference-count-reaches-zero semantics: spec.md section 9 only asks
// for bug-for-bug fidelity "if required", and multi-medium endpoint
// counting is explicitly called out as the canonical behavior.
func (m *BwuManager) OnEndpointDisconnected(endpointID string) {
	m.postSync(func() {
		st, ok := m.states[endpointID]
		if !ok {
			return
		}
		delete(m.states, endpointID)
		delete(m.attempts, endpointID)

		m.mediumRefs[st.medium]--
		if m.mediumRefs[st.medium] <= 0 {
			delete(m.mediumRefs, st.medium)
			if h, ok := m.handlers[st.medium]; ok {
				if err := h.StopListening(endpointID); err != nil {
					m.logger.Warn("revert medium listener", slog.String("medium", st.medium.String()), slog.Any("error", err))
				}
			}
		}
	})
}

// InitiateBwuForEndpoint begins an upgrade attempt for endpointID (spec.md
// section 4.6 step 1). A no-op if an upgrade is already under way for
// this endpoint or no eligible medium remains.
func (m *BwuManager) InitiateBwuForEndpoint(ctx context.Context, endpointID string) {
	m.post(func() { m.startInitiatorFlow(ctx, endpointID, m.cfg.RetryDelay) })
}

func (m *BwuManager) startInitiatorFlow(ctx context.Context, endpointID string, retryDelay time.Duration) {
	st, ok := m.states[endpointID]
	if !ok || st.upgrading {
		return
	}

	target, ok := m.selectUpgradeMedium(st)
	if !ok {
		return
	}

	st.upgrading = true
	go func() {
		err := m.runInitiatorAttempt(ctx, endpointID, target)
		m.post(func() {
			st, ok := m.states[endpointID]
			if !ok {
				return
			}
			st.upgrading = false
			if err == nil {
				st.medium = target
				m.mediumRefs[target]++
				if m.listener != nil {
					m.listener.OnUpgradeComplete(endpointID, target)
				}
				return
			}
			m.logger.Warn("bandwidth upgrade attempt failed",
				slog.String("endpoint_id", endpointID), slog.String("medium", target.String()), slog.Any("error", err))
			next := retryDelay * 2
			if next > m.cfg.RetryMaxDelay {
				next = m.cfg.RetryMaxDelay
			}
			time.AfterFunc(retryDelay, func() {
				m.post(func() { m.startInitiatorFlow(ctx, endpointID, next) })
			})
		})
	}()
}

// selectUpgradeMedium picks the best medium from the intersection of
// config.AllowUpgradeTo, the remote's supported set, and the per-medium
// priority order, skipping the endpoint's current medium (spec.md
// section 4.6 step 1).
func (m *BwuManager) selectUpgradeMedium(st *endpointBwuState) (Medium, bool) {
	allowed := make(map[Medium]struct{}, len(m.cfg.AllowUpgradeTo))
	for _, med := range m.cfg.AllowUpgradeTo {
		allowed[med] = struct{}{}
	}
	remote := make(map[Medium]struct{}, len(st.remoteMediums))
	for _, med := range st.remoteMediums {
		remote[med] = struct{}{}
	}

	for _, candidate := range mediumUpgradePriority {
		if candidate == st.medium {
			continue
		}
		if _, ok := allowed[candidate]; !ok {
			continue
		}
		if _, ok := remote[candidate]; !ok {
			continue
		}
		if _, ok := m.handlers[candidate]; !ok {
			continue
		}
		return candidate, true
	}
	return MediumUnknown, false
}

// takeoverOldChannel detaches endpointID's normal worker (stopping it
// without closing its channel) and spawns a goroutine that keeps reading
// that channel directly: BANDWIDTH_UPGRADE_NEGOTIATION frames are routed
// to control, everything else is forwarded to the detached worker's
// dispatcher exactly as it would have been. This lets the rest of an
// upgrade attempt read BWU control frames off the old channel without
// racing the endpoint's normal traffic.
func (m *BwuManager) takeoverOldChannel(ctx context.Context, endpointID string, oldCh EndpointChannel) (*bwuAttempt, workerConfig, error) {
	cfg, ok := m.endpoints.Detach(endpointID)
	if !ok {
		return nil, workerConfig{}, fmt.Errorf("bwu takeover %q: %w", endpointID, ErrNotConnected)
	}

	readCtx, cancel := context.WithCancel(ctx)
	att := &bwuAttempt{
		endpointID: endpointID,
		control:    make(chan *OfflineFrame, 8),
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}
	m.mu.Lock()
	m.attempts[endpointID] = att
	m.mu.Unlock()

	go func() {
		defer close(att.readerDone)
		for {
			f, err := oldCh.Read(readCtx)
			if err != nil {
				return
			}
			if f.Type == FrameBandwidthUpgradeNegotiation {
				select {
				case att.control <- f:
				case <-readCtx.Done():
					return
				}
				continue
			}
			if f.Type != FrameKeepAlive {
				cfg.dispatcher.DispatchFrame(endpointID, f)
			}
		}
	}()

	return att, cfg, nil
}

// restoreOldChannel undoes takeoverOldChannel after a failed attempt:
// stop the takeover reader, then hand the still-live old channel back to
// a freshly registered worker (spec.md section 4.6: "failures never
// affect the still-live old channel").
func (m *BwuManager) restoreOldChannel(endpointID string, oldCh EndpointChannel, att *bwuAttempt, cfg workerConfig) {
	att.cancel()
	<-att.readerDone
	if err := m.endpoints.RegisterEndpoint(context.Background(), endpointID, oldCh, cfg.dispatcher, cfg.keepAliveInterval, cfg.keepAliveTimeout); err != nil {
		m.logger.Warn("restore endpoint worker after failed upgrade",
			slog.String("endpoint_id", endpointID), slog.Any("error", err))
	}
}

func (m *BwuManager) dropAttempt(endpointID string) {
	m.mu.Lock()
	att, ok := m.attempts[endpointID]
	delete(m.attempts, endpointID)
	m.mu.Unlock()
	if ok {
		att.cancel()
	}
}

// runInitiatorAttempt drives steps 2, 4, 5, 6 and 7 of the negotiation
// sequence for the side that decided to upgrade.
func (m *BwuManager) runInitiatorAttempt(ctx context.Context, endpointID string, target Medium) error {
	handler := m.handlers[target]

	oldCh, ok := m.channels.Get(endpointID)
	if !ok {
		return fmt.Errorf("initiator attempt %q: %w", endpointID, ErrEndpointUnknown)
	}
	defer m.channels.Release(endpointID, CloseReasonUnspecified)

	path, err := handler.StartListening(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("start listening on %s: %w", target, err)
	}
	defer func() { _ = handler.StopListening(endpointID) }()

	// Take over the old channel before announcing the upgrade path: a
	// fast responder's LAST_WRITE_TO_PRIOR_CHANNEL must land in the
	// attempt's control queue, not the normal worker's dispatch.
	att, cfg, err := m.takeoverOldChannel(ctx, endpointID, oldCh)
	if err != nil {
		return err
	}
	defer m.dropAttempt(endpointID)

	if err := oldCh.Write(ctx, &OfflineFrame{
		Version:          FrameVersion1,
		Type:             FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{Event: BwuUpgradePathAvailable, UpgradePathInfo: &path},
	}); err != nil {
		m.restoreOldChannel(endpointID, oldCh, att, cfg)
		return fmt.Errorf("write UPGRADE_PATH_AVAILABLE: %w", err)
	}

	if err := m.finishInitiatorAttempt(ctx, endpointID, target, handler, oldCh, att, cfg); err != nil {
		m.restoreOldChannel(endpointID, oldCh, att, cfg)
		return err
	}
	return nil
}

// finishInitiatorAttempt runs the remainder of the initiator sequence
// once the old channel has been taken over; any error is undone by the
// caller via restoreOldChannel.
func (m *BwuManager) finishInitiatorAttempt(ctx context.Context, endpointID string, target Medium, handler BwuMediumHandler, oldCh EndpointChannel, att *bwuAttempt, cfg workerConfig) error {
	acceptCtx, cancel := context.WithTimeout(ctx, readClientIntroductionFrameTimeout)
	newCh, err := handler.Accept(acceptCtx, endpointID)
	cancel()
	if err != nil {
		return fmt.Errorf("accept on %s: %w", target, err)
	}

	introCtx, cancel := context.WithTimeout(ctx, readClientIntroductionFrameTimeout)
	intro, err := newCh.Read(introCtx)
	cancel()
	if err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("read CLIENT_INTRODUCTION: %w", err)
	}
	if intro.BandwidthUpgrade == nil || intro.BandwidthUpgrade.Event != BwuClientIntroduction ||
		intro.BandwidthUpgrade.ClientIntroduction == nil || intro.BandwidthUpgrade.ClientIntroduction.EndpointID != endpointID {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("read CLIENT_INTRODUCTION: unexpected frame")
	}

	if err := newCh.Write(ctx, &OfflineFrame{
		Version:          FrameVersion1,
		Type:             FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{Event: BwuClientIntroductionAck},
	}); err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("write CLIENT_INTRODUCTION_ACK: %w", err)
	}

	newCh.Pause()
	if err := m.endpoints.RegisterEndpoint(ctx, endpointID, newCh, cfg.dispatcher, cfg.keepAliveInterval, cfg.keepAliveTimeout); err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("attach replacement channel: %w", err)
	}
	if err := m.channels.Replace(endpointID, newCh, true); err != nil {
		m.endpoints.UnregisterEndpoint(endpointID)
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("replace channel manager entry: %w", err)
	}

	// Past this point the endpoint's worker and channel slot both point
	// at newCh; errors must swing them back before restoreOldChannel
	// re-registers the old worker.
	rollback := func() {
		m.endpoints.UnregisterEndpoint(endpointID)
		_ = m.channels.Replace(endpointID, oldCh, true)
		_ = newCh.Close(CloseReasonIOError)
	}

	if err := oldCh.Write(ctx, &OfflineFrame{
		Version:          FrameVersion1,
		Type:             FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{Event: BwuLastWriteToPriorChannel},
	}); err != nil {
		rollback()
		return fmt.Errorf("write LAST_WRITE_TO_PRIOR_CHANNEL: %w", err)
	}

	if err := m.runPriorChannelTeardown(ctx, att, oldCh); err != nil {
		rollback()
		return err
	}

	newCh.Resume()
	return nil
}

// OnBwuFrame is FrameRouter.OnBwuFrame's target, wired in by the
// controller for every registered endpoint. A frame arriving while an
// attempt already owns endpointID's raw channel is delivered through
// takeoverOldChannel's reader instead and never reaches here; this acts
// only on the UPGRADE_PATH_AVAILABLE that kicks off the responder side
// of an upgrade and ignores every other event (e.g. the
// CLIENT_INTRODUCTION_ACK the responder's new channel delivers once it
// is resumed).
func (m *BwuManager) OnBwuFrame(endpointID string, f *OfflineFrame) {
	if f.BandwidthUpgrade == nil || f.BandwidthUpgrade.Event != BwuUpgradePathAvailable {
		return
	}
	m.post(func() { m.startResponderFlow(context.Background(), endpointID, f.BandwidthUpgrade) })
}

// startResponderFlow handles the other side of an upgrade attempt,
// triggered by receiving UPGRADE_PATH_AVAILABLE over the normal dispatch
// path (spec.md section 4.6 step 3).
func (m *BwuManager) startResponderFlow(ctx context.Context, endpointID string, neg *BwuNegotiationFrame) {
	st, ok := m.states[endpointID]
	if !ok || st.upgrading || neg.UpgradePathInfo == nil {
		return
	}
	handler, ok := m.handlers[neg.UpgradePathInfo.Medium]
	if !ok {
		return
	}
	st.upgrading = true
	target := neg.UpgradePathInfo.Medium
	path := *neg.UpgradePathInfo
	localID := st.localEndpointID

	go func() {
		err := m.runResponderAttempt(ctx, endpointID, localID, handler, path)
		m.post(func() {
			st, ok := m.states[endpointID]
			if !ok {
				return
			}
			st.upgrading = false
			if err != nil {
				m.logger.Warn("bandwidth upgrade responder attempt failed",
					slog.String("endpoint_id", endpointID), slog.Any("error", err))
				return
			}
			st.medium = target
			m.mediumRefs[target]++
			if m.listener != nil {
				m.listener.OnUpgradeComplete(endpointID, target)
			}
		})
	}()
}

func (m *BwuManager) runResponderAttempt(ctx context.Context, endpointID, localID string, handler BwuMediumHandler, path UpgradePathInfo) error {
	oldCh, ok := m.channels.Get(endpointID)
	if !ok {
		return fmt.Errorf("responder attempt %q: %w", endpointID, ErrEndpointUnknown)
	}
	defer m.channels.Release(endpointID, CloseReasonUnspecified)

	att, cfg, err := m.takeoverOldChannel(ctx, endpointID, oldCh)
	if err != nil {
		return err
	}
	defer m.dropAttempt(endpointID)

	if err := m.finishResponderAttempt(ctx, endpointID, localID, handler, path, oldCh, att, cfg); err != nil {
		m.restoreOldChannel(endpointID, oldCh, att, cfg)
		return err
	}
	return nil
}

// finishResponderAttempt runs the remainder of the responder sequence
// once the old channel has been taken over; any error is undone by the
// caller via restoreOldChannel.
func (m *BwuManager) finishResponderAttempt(ctx context.Context, endpointID, localID string, handler BwuMediumHandler, path UpgradePathInfo, oldCh EndpointChannel, att *bwuAttempt, cfg workerConfig) error {
	newCh, err := handler.Connect(ctx, path)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", path.Medium, err)
	}

	if err := newCh.Write(ctx, &OfflineFrame{
		Version: FrameVersion1,
		Type:    FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{
			Event:              BwuClientIntroduction,
			ClientIntroduction: &ClientIntroduction{EndpointID: localID},
		},
	}); err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("write CLIENT_INTRODUCTION: %w", err)
	}

	if err := oldCh.Write(ctx, &OfflineFrame{
		Version:          FrameVersion1,
		Type:             FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{Event: BwuLastWriteToPriorChannel},
	}); err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("write LAST_WRITE_TO_PRIOR_CHANNEL: %w", err)
	}

	newCh.Pause()
	if err := m.endpoints.RegisterEndpoint(ctx, endpointID, newCh, cfg.dispatcher, cfg.keepAliveInterval, cfg.keepAliveTimeout); err != nil {
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("attach replacement channel: %w", err)
	}
	if err := m.channels.Replace(endpointID, newCh, true); err != nil {
		m.endpoints.UnregisterEndpoint(endpointID)
		_ = newCh.Close(CloseReasonIOError)
		return fmt.Errorf("replace channel manager entry: %w", err)
	}

	rollback := func() {
		m.endpoints.UnregisterEndpoint(endpointID)
		_ = m.channels.Replace(endpointID, oldCh, true)
		_ = newCh.Close(CloseReasonIOError)
	}

	if err := m.runPriorChannelTeardown(ctx, att, oldCh); err != nil {
		rollback()
		return err
	}

	newCh.Resume()
	return nil
}

// runPriorChannelTeardown implements steps 6 and 7: wait for the peer's
// LAST_WRITE_TO_PRIOR_CHANNEL, answer with SAFE_TO_CLOSE_PRIOR_CHANNEL,
// then wait for the peer's own SAFE_TO_CLOSE_PRIOR_CHANNEL before closing
// the old channel for good.
func (m *BwuManager) runPriorChannelTeardown(ctx context.Context, att *bwuAttempt, oldCh EndpointChannel) error {
	if err := m.waitForEvent(ctx, att, BwuLastWriteToPriorChannel); err != nil {
		return fmt.Errorf("wait LAST_WRITE_TO_PRIOR_CHANNEL: %w", err)
	}
	if err := oldCh.Write(ctx, &OfflineFrame{
		Version:          FrameVersion1,
		Type:             FrameBandwidthUpgradeNegotiation,
		BandwidthUpgrade: &BwuNegotiationFrame{Event: BwuSafeToClosePriorChannel},
	}); err != nil {
		return fmt.Errorf("write SAFE_TO_CLOSE_PRIOR_CHANNEL: %w", err)
	}
	if err := m.waitForEvent(ctx, att, BwuSafeToClosePriorChannel); err != nil {
		return fmt.Errorf("wait SAFE_TO_CLOSE_PRIOR_CHANNEL: %w", err)
	}
	_ = oldCh.Close(CloseReasonUpgraded)
	return nil
}

func (m *BwuManager) waitForEvent(ctx context.Context, att *bwuAttempt, want BwuEvent) error {
	for {
		select {
		case f := <-att.control:
			if f.BandwidthUpgrade == nil {
				continue
			}
			if f.BandwidthUpgrade.Event == BwuUpgradeFailure {
				return errors.New("remote reported UPGRADE_FAILURE")
			}
			if f.BandwidthUpgrade.Event == want {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
