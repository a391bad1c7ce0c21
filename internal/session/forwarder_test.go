package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluffco/blufflocation/internal/protocol"
	"github.com/bluffco/blufflocation/internal/transport"
)

type emitRecord struct {
	event   string
	payload interface{}
}

// fakeSocket stands in for the transport client. Tests drive lifecycle events
// through its emitter and inspect what the session layer sent.
type fakeSocket struct {
	emitter *transport.Emitter

	mu            sync.Mutex
	connected     bool
	connectOnDial bool
	connectCalls  int
	disconnects   int
	emits         []emitRecord

	// checksBeforeLive, when positive, makes IsConnected report false that many
	// times and then flips the socket live without emitting a connect event,
	// like a dial completing between a liveness check and a listener attach.
	checksBeforeLive int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{emitter: transport.NewEmitter()}
}

func (f *fakeSocket) Connect(string) {
	f.mu.Lock()
	f.connectCalls++
	if f.connectOnDial {
		f.connected = true
	}
	f.mu.Unlock()
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSocket) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checksBeforeLive > 0 {
		f.checksBeforeLive--
		if f.checksBeforeLive == 0 {
			f.connected = true
		}
		return false
	}
	return f.connected
}

func (f *fakeSocket) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

func (f *fakeSocket) Emit(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitRecord{event: event, payload: payload})
	return f.connected
}

func (f *fakeSocket) On(event string, h transport.Handler) func()   { return f.emitter.On(event, h) }
func (f *fakeSocket) Once(event string, h transport.Handler) func() { return f.emitter.Once(event, h) }
func (f *fakeSocket) Off(event string)                              { f.emitter.Off(event) }
func (f *fakeSocket) RemoveAllListeners()                           { f.emitter.RemoveAll() }

func (f *fakeSocket) clearSent() {
	f.mu.Lock()
	f.emits = nil
	f.mu.Unlock()
}

func (f *fakeSocket) sent() []emitRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitRecord(nil), f.emits...)
}

func (f *fakeSocket) sentEvents() []string {
	var events []string
	for _, rec := range f.sent() {
		events = append(events, rec.event)
	}
	return events
}

func (f *fakeSocket) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}
	f.emitter.Emit(event, data)
}

func newTestForwarder(t *testing.T) (*Forwarder, *fakeSocket, *clockwork.FakeClock, *Session) {
	t.Helper()
	sock := newFakeSocket()
	sess := NewSession()
	clock := clockwork.NewFakeClock()
	f := NewForwarder(sock, sess, clock, 300*time.Millisecond)
	f.Attach()
	return f, sock, clock, sess
}

func countEvents(t *testing.T, f *Forwarder, event protocol.EventType) *int {
	t.Helper()
	count := new(int)
	f.On(event, func(json.RawMessage) { *count++ })
	return count
}

func TestForwarderAttachOnce(t *testing.T) {
	f, sock, _, _ := newTestForwarder(t)
	f.Attach()
	f.Attach()

	count := countEvents(t, f, protocol.EventRoomCreated)
	sock.fire(t, string(protocol.EventRoomCreated), protocol.RoomCreatedPayload{Room: "abc123"})
	assert.Equal(t, 1, *count)
}

func TestForwarderForwardsGameEvents(t *testing.T) {
	f, sock, _, _ := newTestForwarder(t)

	var got protocol.VoteRecordedPayload
	f.On(protocol.EventVoteRecorded, func(data json.RawMessage) {
		require.NoError(t, json.Unmarshal(data, &got))
	})

	sock.fire(t, string(protocol.EventVoteRecorded), protocol.VoteRecordedPayload{
		Votes: map[string]string{"Sam": "Alex"},
	})
	assert.Equal(t, map[string]string{"Sam": "Alex"}, got.Votes)
}

func TestForwarderLifecycleTranslation(t *testing.T) {
	f, sock, _, _ := newTestForwarder(t)

	connected := countEvents(t, f, protocol.EventConnected)
	disconnected := countEvents(t, f, protocol.EventDisconnected)
	errs := countEvents(t, f, protocol.EventError)

	sock.fire(t, transport.EventConnect, nil)
	sock.fire(t, transport.EventDisconnect, nil)
	sock.fire(t, transport.EventConnectError, protocol.ErrorPayload{Message: "refused"})

	assert.Equal(t, 1, *connected)
	assert.Equal(t, 1, *disconnected)
	assert.Equal(t, 1, *errs)
}

func TestForwarderReclassifiesAlreadyInRoom(t *testing.T) {
	f, sock, _, _ := newTestForwarder(t)

	already := countEvents(t, f, protocol.EventAlreadyInRoom)
	errs := countEvents(t, f, protocol.EventError)

	sock.fire(t, string(protocol.EventError), protocol.ErrorPayload{Message: "You are ALREADY IN ROOM abc123"})
	assert.Equal(t, 1, *already)
	assert.Equal(t, 0, *errs)

	sock.fire(t, string(protocol.EventError), protocol.ErrorPayload{Message: "Room not found"})
	assert.Equal(t, 1, *already)
	assert.Equal(t, 1, *errs)
}

func TestForwarderReconnectRejoinsAndResyncsOnce(t *testing.T) {
	_, sock, clock, sess := newTestForwarder(t)
	sess.setIdentity("abc123", Player{Name: "Sam", IsHost: true})
	sock.setConnected(true)

	sock.fire(t, transport.EventConnect, nil)

	// The rejoin goes out immediately; the resync waits out the grace period.
	require.Equal(t, []string{string(protocol.ActionJoinGame)}, sock.sentEvents())
	join, ok := sock.sent()[0].payload.(protocol.JoinGamePayload)
	require.True(t, ok)
	assert.Equal(t, "abc123", join.Room)
	assert.Equal(t, "Sam", join.User)

	clock.BlockUntil(1)
	clock.Advance(300 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(sock.sentEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, string(protocol.ActionSyncState), sock.sentEvents()[1])

	// A later advance must not trigger another resync.
	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sock.sentEvents(), 2)
}

func TestForwarderNoRejoinWithoutSession(t *testing.T) {
	_, sock, clock, _ := newTestForwarder(t)
	sock.setConnected(true)

	sock.fire(t, transport.EventConnect, nil)
	clock.Advance(time.Second)

	assert.Empty(t, sock.sentEvents())
}

func TestForwarderResyncSkippedWhenConnectionDropsAgain(t *testing.T) {
	_, sock, clock, sess := newTestForwarder(t)
	sess.setIdentity("abc123", Player{Name: "Sam"})
	sock.setConnected(true)

	sock.fire(t, transport.EventConnect, nil)
	require.Equal(t, []string{string(protocol.ActionJoinGame)}, sock.sentEvents())

	// Connection dies inside the grace period: the resync is abandoned.
	sock.setConnected(false)
	clock.BlockUntil(1)
	clock.Advance(300 * time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sock.sentEvents(), 1)
}
