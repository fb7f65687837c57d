package peer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/model"
)

// captured collects what a session's handlers ingested.
type captured struct {
	mu    sync.Mutex
	snaps []*model.Snapshot
}

func (c *captured) onSnapshot(ctx context.Context, snap *model.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func (c *captured) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func (c *captured) last() *model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return nil
	}
	return c.snaps[len(c.snaps)-1]
}

func newTestSession(name string, c *captured, opts ...SessionOption) *Session {
	identity := Identity{DisplayName: name, AppVersion: "test", SupportsFileTransfer: true}
	var onSnap SnapshotHandler
	if c != nil {
		onSnap = c.onSnapshot
	}
	return NewSession(identity, logging.NewJSON(&bytes.Buffer{}), onSnap, nil, opts...)
}

// connectPair wires two sessions through an in-process pipe.
func connectPair(t *testing.T, inviter, invitee *Session) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, inviter.StartBrowsing())
	require.NoError(t, invitee.StartAdvertising())

	a, b := Pipe()
	errc := make(chan error, 1)
	go func() { errc <- invitee.HandleInvitation(ctx, b) }()

	require.NoError(t, inviter.Invite(ctx, a))
	require.NoError(t, <-errc)

	assert.Equal(t, StateConnected, inviter.State())
	assert.Equal(t, StateConnected, invitee.State())
}

func TestInviteHandshake(t *testing.T) {
	alice := newTestSession("Alice Phone", nil)
	bob := newTestSession("Bob Tablet", nil)
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)

	require.NotNil(t, alice.PeerHello())
	assert.Equal(t, "Bob Tablet", alice.PeerHello().DisplayName)
	require.NotNil(t, bob.PeerHello())
	assert.Equal(t, "Alice Phone", bob.PeerHello().DisplayName)
}

func TestInvite_TimesOutWhenUnanswered(t *testing.T) {
	alice := newTestSession("Alice", nil, WithInviteTimeout(50*time.Millisecond))
	require.NoError(t, alice.StartBrowsing())

	a, _ := Pipe() // nobody ever answers on the far end

	err := alice.Invite(context.Background(), a)
	require.ErrorIs(t, err, common.ErrTimeout)
	assert.Equal(t, StateBrowsing, alice.State(), "failed invite returns to browsing")
}

func TestHandleInvitation_AutoRejectsWhileConnected(t *testing.T) {
	alice := newTestSession("Alice", nil)
	bob := newTestSession("Bob", nil)
	carol := newTestSession("Carol", nil, WithInviteTimeout(time.Second))
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)

	// Carol now invites Bob, who is already connected to Alice
	require.NoError(t, carol.StartBrowsing())
	c1, c2 := Pipe()
	errc := make(chan error, 1)
	go func() { errc <- bob.HandleInvitation(context.Background(), c2) }()

	err := carol.Invite(context.Background(), c1)
	require.ErrorIs(t, err, common.ErrBusy, "inviter gets an explanatory busy error")
	require.ErrorIs(t, <-errc, common.ErrBusy)

	assert.Equal(t, StateConnected, bob.State(), "existing connection survives")
	assert.Equal(t, StateBrowsing, carol.State())
}

func TestHandleInvitation_RejectsNewerEnvelopeVersion(t *testing.T) {
	bob := newTestSession("Bob", nil)
	require.NoError(t, bob.StartAdvertising())

	a, b := Pipe()
	errc := make(chan error, 1)
	go func() { errc <- bob.HandleInvitation(context.Background(), b) }()

	future := Envelope{V: EnvelopeVersion + 1, Type: KindHello, SentAt: time.Now()}
	require.NoError(t, a.Send(context.Background(), future))

	err := <-errc
	var uve *UnsupportedVersionError
	require.ErrorAs(t, err, &uve)
	assert.Equal(t, EnvelopeVersion+1, uve.Received)

	// the peer is told why, not silently dropped
	reply, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindError, reply.Type)
	var ep ErrorPayload
	require.NoError(t, reply.UnmarshalPayload(&ep))
	assert.Equal(t, ErrorCodeUnsupported, ep.Code)
}

func TestSendSnapshot_SmallGoesAsEnvelope(t *testing.T) {
	received := &captured{}
	alice := newTestSession("Alice", nil)
	bob := newTestSession("Bob", received)
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)

	p := model.NewProfile("Junior")
	e := model.NewEvent(p.ID, model.CategorySleep, time.Now().Add(-time.Hour))
	snap := &model.Snapshot{FormatVersion: model.SnapshotFormatVersion, Profile: p, Events: []model.CareEvent{e}}

	require.NoError(t, alice.SendSnapshot(context.Background(), snap, nil))

	require.Eventually(t, func() bool { return received.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	got := received.last()
	assert.Equal(t, p.ID, got.Profile.ID)
	require.Len(t, got.Events, 1)
	assert.Equal(t, e.ID, got.Events[0].ID)
}

func TestSendSnapshot_LargeStreamsWithProgress(t *testing.T) {
	received := &captured{}
	alice := newTestSession("Alice", nil, WithResourceThreshold(1024))
	bob := newTestSession("Bob", received)
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)

	p := model.NewProfile("Junior")
	p.Avatar = bytes.Repeat([]byte{0x42}, 256*1024)
	snap := &model.Snapshot{FormatVersion: model.SnapshotFormatVersion, Profile: p}

	var mu sync.Mutex
	var updates []Progress
	err := alice.SendSnapshot(context.Background(), snap, func(pr Progress) {
		mu.Lock()
		updates = append(updates, pr)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, updates)
	final := updates[len(updates)-1]
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Bytes, updates[i-1].Bytes, "progress is monotonic")
	}
	mu.Unlock()
	assert.InDelta(t, 1.0, final.Fraction, 0.001)
	assert.Equal(t, final.Total, final.Bytes)

	require.Eventually(t, func() bool { return received.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, p.ID, received.last().Profile.ID)
}

func TestSendSnapshot_CancelDiscardsPartialAndKeepsSession(t *testing.T) {
	received := &captured{}
	alice := newTestSession("Alice", nil, WithResourceThreshold(1024))
	bob := newTestSession("Bob", received)
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)

	p := model.NewProfile("Junior")
	p.Avatar = bytes.Repeat([]byte{0x42}, 512*1024)
	big := &model.Snapshot{FormatVersion: model.SnapshotFormatVersion, Profile: p}

	ctx, cancel := context.WithCancel(context.Background())
	err := alice.SendSnapshot(ctx, big, func(pr Progress) {
		if pr.Bytes > 0 && pr.Fraction < 1 {
			cancel() // pull the plug mid-transfer
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, alice.State(), "cancellation does not tear down the session")

	// the partial transfer never surfaces; a fresh small send still works
	small := &model.Snapshot{FormatVersion: model.SnapshotFormatVersion, Profile: model.NewProfile("Sibling")}
	require.NoError(t, alice.SendSnapshot(context.Background(), small, nil))

	require.Eventually(t, func() bool { return received.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, small.Profile.ID, received.last().Profile.ID)
}

func TestSendSnapshot_RequiresConnection(t *testing.T) {
	alice := newTestSession("Alice", nil)
	snap := &model.Snapshot{FormatVersion: model.SnapshotFormatVersion, Profile: model.NewProfile("Junior")}

	err := alice.SendSnapshot(context.Background(), snap, nil)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestSetIdentity_AppliesToNextHandshake(t *testing.T) {
	alice := newTestSession("Old Name", nil)
	alice.SetIdentity(Identity{DisplayName: "  New\x00 Name ", AppVersion: "test"})
	assert.Equal(t, "New Name", alice.Identity().DisplayName)

	bob := newTestSession("Bob", nil)
	defer alice.Disconnect()
	defer bob.Disconnect()

	connectPair(t, alice, bob)
	require.NotNil(t, bob.PeerHello())
	assert.Equal(t, "New Name", bob.PeerHello().DisplayName)
}
