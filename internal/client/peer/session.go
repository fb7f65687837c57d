package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// SessionState is where the session sits in its lifecycle.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StateBrowsing      SessionState = "browsing"
	StateAdvertising   SessionState = "advertising"
	StateInviting      SessionState = "inviting"
	StateConnected     SessionState = "connected"
	StateDisconnecting SessionState = "disconnecting"
)

// ServiceID is the fixed identifier devices advertise and browse for.
const ServiceID = "carelog-transfer"

const (
	defaultInviteTimeout = 15 * time.Second

	// payloads above this go through the resource transfer instead of an
	// envelope, keeping the ordered message channel responsive
	defaultResourceThreshold = 64 * 1024
)

// SnapshotHandler receives a fully transferred profile snapshot. The
// handler owns persistence; the session never touches storage itself.
type SnapshotHandler func(ctx context.Context, snap *model.Snapshot) error

// DeltaHandler receives an incremental batch of events for a known profile.
type DeltaHandler func(ctx context.Context, profileID string, events []model.CareEvent) error

// Session is one device's peer-transfer endpoint. It holds at most one
// connection; inviting while connected to a different peer is rejected,
// and incoming invitations are auto-declined while connected.
type Session struct {
	log logging.Logger

	onSnapshot SnapshotHandler
	onDelta    DeltaHandler

	inviteTimeout     time.Duration
	resourceThreshold int

	mu        sync.Mutex
	state     SessionState
	identity  Identity
	transport Transport
	peerHello *Hello
	stopRecv  context.CancelFunc
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithInviteTimeout overrides how long an invitation may stay unanswered.
func WithInviteTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.inviteTimeout = d }
}

// WithResourceThreshold overrides the payload size above which snapshots
// are sent as resources.
func WithResourceThreshold(n int) SessionOption {
	return func(s *Session) { s.resourceThreshold = n }
}

// NewSession builds a session with an explicit device identity.
func NewSession(identity Identity, log logging.Logger, onSnapshot SnapshotHandler, onDelta DeltaHandler, opts ...SessionOption) *Session {
	s := &Session{
		log:               log.With("component", "peer"),
		onSnapshot:        onSnapshot,
		onDelta:           onDelta,
		inviteTimeout:     defaultInviteTimeout,
		resourceThreshold: defaultResourceThreshold,
		state:             StateIdle,
		identity:          identity.sanitized(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the announced identity.
func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SetIdentity refreshes the announced identity. It applies to subsequent
// handshakes; an established connection keeps the identity it greeted with.
func (s *Session) SetIdentity(identity Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity.sanitized()
}

// PeerHello returns the connected peer's greeting, or nil when not
// connected.
func (s *Session) PeerHello() *Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerHello == nil {
		return nil
	}
	h := *s.peerHello
	return &h
}

// StartBrowsing moves the session into discovery mode as the inviting side.
func (s *Session) StartBrowsing() error {
	return s.transition(StateIdle, StateBrowsing)
}

// StartAdvertising moves the session into discovery mode as the invited side.
func (s *Session) StartAdvertising() error {
	return s.transition(StateIdle, StateAdvertising)
}

// StopDiscovery returns from browsing or advertising to idle.
func (s *Session) StopDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBrowsing || s.state == StateAdvertising {
		s.state = StateIdle
	}
}

func (s *Session) transition(from, to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return fmt.Errorf("%w: session is %s", common.ErrBusy, s.state)
	}
	s.state = to
	return nil
}

// Invite opens a connection to a discovered peer and waits for its
// greeting. An unanswered invitation times out after the configured window
// and returns the session to browsing; a peer that is already connected
// elsewhere answers with a busy error, surfaced as ErrBusy.
func (s *Session) Invite(ctx context.Context, t Transport) error {
	if err := s.transition(StateBrowsing, StateInviting); err != nil {
		return err
	}

	err := s.invite(ctx, t)
	if err != nil {
		_ = t.Close()
		s.mu.Lock()
		s.state = StateBrowsing
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) invite(ctx context.Context, t Transport) error {
	s.mu.Lock()
	hello := s.identity.hello()
	timeout := s.inviteTimeout
	s.mu.Unlock()

	env, err := NewEnvelope(KindHello, hello)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, env); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := t.Receive(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: invitation not answered within %s", common.ErrTimeout, timeout)
	}
	if err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}

	switch reply.Type {
	case KindHello:
		var peerHello Hello
		if err := reply.UnmarshalPayload(&peerHello); err != nil {
			return err
		}
		s.connect(t, &peerHello)
		return nil

	case KindError:
		var ep ErrorPayload
		if err := reply.UnmarshalPayload(&ep); err != nil {
			return err
		}
		if ep.Code == ErrorCodeBusy {
			return fmt.Errorf("%w: peer declined, %s", common.ErrBusy, ep.Message)
		}
		return fmt.Errorf("peer rejected invitation: %s", ep.Message)

	default:
		return fmt.Errorf("unexpected reply %q to invitation", reply.Type)
	}
}

// HandleInvitation processes an incoming connection. A session connected
// to another peer auto-rejects with an explanatory busy error; otherwise
// the invitation is accepted and the session becomes connected.
func (s *Session) HandleInvitation(ctx context.Context, t Transport) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.inviteTimeout)
	defer cancel()

	env, err := t.Receive(waitCtx)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("await peer greeting: %w", err)
	}

	if env.V > EnvelopeVersion {
		s.rejectUnsupported(ctx, t, env.V)
		_ = t.Close()
		return &UnsupportedVersionError{Supported: EnvelopeVersion, Received: env.V}
	}
	if env.Type != KindHello {
		_ = t.Close()
		return fmt.Errorf("expected greeting, got %q", env.Type)
	}

	var peerHello Hello
	if err := env.UnmarshalPayload(&peerHello); err != nil {
		_ = t.Close()
		return err
	}

	s.mu.Lock()
	busy := s.state == StateConnected || s.state == StateInviting
	hello := s.identity.hello()
	s.mu.Unlock()

	if busy {
		reject, _ := NewEnvelope(KindError, ErrorPayload{
			Code:    ErrorCodeBusy,
			Message: "already connected to another device",
		})
		_ = t.Send(ctx, reject)
		_ = t.Close()
		return fmt.Errorf("%w: invitation from %q rejected while connected", common.ErrBusy, peerHello.DisplayName)
	}

	reply, err := NewEnvelope(KindHello, hello)
	if err != nil {
		_ = t.Close()
		return err
	}
	if err := t.Send(ctx, reply); err != nil {
		_ = t.Close()
		return fmt.Errorf("answer greeting: %w", err)
	}

	s.connect(t, &peerHello)
	return nil
}

func (s *Session) rejectUnsupported(ctx context.Context, t Transport, received int) {
	reject, err := NewEnvelope(KindError, ErrorPayload{
		Code:    ErrorCodeUnsupported,
		Message: fmt.Sprintf("envelope version %d exceeds supported %d", received, EnvelopeVersion),
	})
	if err == nil {
		_ = t.Send(ctx, reject)
	}
}

func (s *Session) connect(t Transport, peerHello *Hello) {
	recvCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.transport = t
	s.peerHello = peerHello
	s.state = StateConnected
	s.stopRecv = cancel
	s.mu.Unlock()

	go s.receiveLoop(recvCtx, t)
	go s.resourceLoop(recvCtx, t)

	s.log.Info(recvCtx, "peer connected", "peer", peerHello.DisplayName)
}

// Disconnect tears the connection down and returns to idle. Safe to call
// in any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	t := s.transport
	cancel := s.stopRecv
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}

	s.mu.Lock()
	s.transport = nil
	s.peerHello = nil
	s.stopRecv = nil
	s.state = StateIdle
	s.mu.Unlock()
}

// SendSnapshot transfers a full profile export to the connected peer.
// Small snapshots ride the ordered message channel; large ones stream as a
// cancellable resource with progress reported through onProgress (which
// may be nil). Cancelling via ctx aborts the transfer; the peer discards
// partial data and the session stays connected.
func (s *Session) SendSnapshot(ctx context.Context, snap *model.Snapshot, onProgress func(Progress)) error {
	s.mu.Lock()
	t := s.transport
	peerHello := s.peerHello
	threshold := s.resourceThreshold
	s.mu.Unlock()

	if t == nil {
		return fmt.Errorf("%w: no peer connected", common.ErrConflict)
	}

	data, err := model.ExportSnapshot(snap.Profile, snap.Events)
	if err != nil {
		return err
	}

	useResource := len(data) > threshold && peerHello != nil && peerHello.SupportsFileTransfer
	if !useResource {
		env, err := NewEnvelope(KindSnapshot, SnapshotPayload{Snapshot: *snap})
		if err != nil {
			return err
		}
		if err := t.Send(ctx, env); err != nil {
			return fmt.Errorf("send snapshot: %w", err)
		}
		return nil
	}

	name := "snapshot-" + snap.Profile.ID + "-" + uuid.NewString()
	reader := newProgressReader(bytes.NewReader(data), int64(len(data)), onProgress)
	if err := t.SendResource(ctx, name, reader, int64(len(data))); err != nil {
		return fmt.Errorf("send snapshot resource: %w", err)
	}
	s.log.Info(ctx, "snapshot resource sent", "profile", snap.Profile.ID, "bytes", len(data))
	return nil
}

// SendDelta sends an incremental batch of events for a profile the peer
// already holds.
func (s *Session) SendDelta(ctx context.Context, profileID string, events []model.CareEvent) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: no peer connected", common.ErrConflict)
	}

	env, err := NewEnvelope(KindDelta, DeltaPayload{ProfileID: profileID, Events: events})
	if err != nil {
		return err
	}
	return t.Send(ctx, env)
}

func (s *Session) receiveLoop(ctx context.Context, t Transport) {
	for {
		env, err := t.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errTransportClosed) {
				s.log.Warn(ctx, "peer receive failed", "error", err)
				s.Disconnect()
			}
			return
		}

		if env.V > EnvelopeVersion {
			s.log.Warn(ctx, "peer sent unsupported envelope version",
				"received", env.V, "supported", EnvelopeVersion)
			s.rejectUnsupported(ctx, t, env.V)
			continue
		}

		s.dispatch(ctx, t, env)
	}
}

func (s *Session) dispatch(ctx context.Context, t Transport, env Envelope) {
	switch env.Type {
	case KindSnapshot:
		var payload SnapshotPayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			s.log.Warn(ctx, "bad snapshot payload", "error", err)
			return
		}
		s.ingestSnapshot(ctx, t, &payload.Snapshot)

	case KindDelta:
		var payload DeltaPayload
		if err := env.UnmarshalPayload(&payload); err != nil {
			s.log.Warn(ctx, "bad delta payload", "error", err)
			return
		}
		if s.onDelta == nil {
			return
		}
		if err := s.onDelta(ctx, payload.ProfileID, payload.Events); err != nil {
			s.log.Error(ctx, "delta ingest failed", "profile", payload.ProfileID, "error", err)
			return
		}
		s.ack(ctx, t, payload.ProfileID)

	case KindHello:
		var h Hello
		if err := env.UnmarshalPayload(&h); err == nil {
			s.mu.Lock()
			s.peerHello = &h
			s.mu.Unlock()
		}

	case KindCapabilities, KindAck:
		s.log.Debug(ctx, "peer message", "kind", env.Type)

	case KindError:
		var ep ErrorPayload
		if err := env.UnmarshalPayload(&ep); err == nil {
			s.log.Warn(ctx, "peer reported error", "code", ep.Code, "message", ep.Message)
		}
	}
}

func (s *Session) resourceLoop(ctx context.Context, t Transport) {
	for {
		res, err := t.ReceiveResource(ctx)
		if err != nil {
			return
		}

		snap, err := model.ParseSnapshot(res.Data)
		if err != nil {
			s.log.Warn(ctx, "discarding undecodable resource", "name", res.Name, "error", err)
			continue
		}
		s.ingestSnapshot(ctx, t, snap)
	}
}

func (s *Session) ingestSnapshot(ctx context.Context, t Transport, snap *model.Snapshot) {
	if s.onSnapshot == nil {
		return
	}
	if err := s.onSnapshot(ctx, snap); err != nil {
		s.log.Error(ctx, "snapshot ingest failed", "profile", snap.Profile.ID, "error", err)
		return
	}
	s.ack(ctx, t, snap.Profile.ID)
}

func (s *Session) ack(ctx context.Context, t Transport, id string) {
	env, err := NewEnvelope(KindAck, Ack{ID: id, ReceivedAt: time.Now().UTC()})
	if err == nil {
		_ = t.Send(ctx, env)
	}
}
