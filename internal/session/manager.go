// Package session tracks the local participant's identity and room
// membership, and turns roster changes into peer sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/meshroom/internal/peer"
	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/util"
)

// ResumeTimeout bounds the re-authenticate and rejoin after a reconnect.
const ResumeTimeout = 10 * time.Second

// Channel is the signaling endpoint. *signaling.Client satisfies it.
type Channel interface {
	Send(msg protocol.Message) error
	Subscribe(t protocol.Type, fn signaling.Handler) (unsubscribe func())
	OnLifecycle(fn func(signaling.Lifecycle)) (unsubscribe func())
}

// Peers owns the per-participant sessions. *peer.Registry satisfies it.
type Peers interface {
	Ensure(roomID, peerID string, role peer.Role) (*peer.Session, error)
	Remove(peerID string)
	CloseAll()
	Dispatch(roomID string, sig protocol.Signal)
}

// call is one pending request awaiting its server reply. Concurrent
// callers share it.
type call struct {
	done chan struct{}
	val  string
	err  error
}

func newCall() *call { return &call{done: make(chan struct{})} }

// resolve must be called once, under Manager.mu.
func (c *call) resolve(val string, err error) {
	c.val, c.err = val, err
	close(c.done)
}

func (c *call) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Manager is the room and identity lifecycle of one participant.
//
// Inbound frames arrive on the transport's read goroutine in order; the
// Manager applies each one to its state and the peer registry under mu, so
// no session is created after the room has been left. Hooks installed on
// the registry must not call back into the Manager.
type Manager struct {
	ch     Channel
	peers  Peers
	unsubs []func()

	mu       sync.Mutex
	closed   bool
	token    string
	localID  string
	authed   bool
	auth     *call
	roomID   string
	joined   bool
	join     *call
	joinRoom string
	resume   string // room to rejoin after a reconnect
	roster   map[string]protocol.Participant

	onRoomError []func(error)
}

// New subscribes a Manager to ch.
func New(ch Channel, peers Peers) *Manager {
	m := &Manager{
		ch:     ch,
		peers:  peers,
		roster: make(map[string]protocol.Participant),
	}

	m.unsubs = append(m.unsubs,
		ch.Subscribe(protocol.TypeAuthenticated, func(msg protocol.Message) { m.onAuthenticated(msg.(protocol.Authenticated)) }),
		ch.Subscribe(protocol.TypeRoomJoined, func(msg protocol.Message) { m.onRoomJoined(msg.(protocol.RoomJoined)) }),
		ch.Subscribe(protocol.TypeUserJoined, func(msg protocol.Message) { m.onUserJoined(msg.(protocol.UserJoined)) }),
		ch.Subscribe(protocol.TypeUserLeft, func(msg protocol.Message) { m.onUserLeft(msg.(protocol.UserLeft)) }),
		ch.Subscribe(protocol.TypeSignal, func(msg protocol.Message) { m.onSignal(msg.(protocol.Signal)) }),
		ch.Subscribe(protocol.TypeError, func(msg protocol.Message) { m.onError(msg.(protocol.Error)) }),
		ch.OnLifecycle(m.onLifecycle),
	)

	return m
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// LocalID returns the participant ID assigned at authentication, or "".
func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// RoomID returns the current room, or "" when not in one.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined {
		return ""
	}
	return m.roomID
}

// Authenticated reports whether the current connection is authenticated.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authed
}

// Roster returns the other participants of the current room, by ID.
func (m *Manager) Roster() []protocol.Participant {
	m.mu.Lock()
	out := make([]protocol.Participant, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, p)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b protocol.Participant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// OnRoomError registers fn for failures that end the room membership
// outside a JoinRoom call: a terminal server error while in the room, or a
// failed resume after reconnect.
func (m *Manager) OnRoomError(fn func(error)) {
	m.mu.Lock()
	m.onRoomError = append(m.onRoomError, fn)
	m.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Authenticate binds token to the connection and returns the local
// participant ID. A call made while another is pending waits for the same
// result instead of sending a second frame.
func (m *Manager) Authenticate(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.authed {
		id := m.localID
		m.mu.Unlock()
		return id, nil
	}

	c := m.auth
	if c == nil {
		c = newCall()
		if err := m.ch.Send(protocol.Authenticate{Token: token}); err != nil {
			m.mu.Unlock()
			return "", fmt.Errorf("send authenticate: %w", err)
		}
		m.auth = c
		m.token = token
	}
	m.mu.Unlock()

	return c.wait(ctx)
}

// JoinRoom joins roomID and returns once the server confirmed it and a
// peer session exists for everyone already present. Joining the current
// room again is a no-op; joining another one requires LeaveRoom first.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case !m.authed:
		m.mu.Unlock()
		return ErrNotAuthenticated
	case m.joined && m.roomID == roomID:
		m.mu.Unlock()
		return nil
	case m.joined:
		m.mu.Unlock()
		return ErrAlreadyInRoom
	}

	c := m.join
	switch {
	case c != nil && m.joinRoom != roomID:
		m.mu.Unlock()
		return ErrAlreadyInRoom
	case c == nil:
		c = newCall()
		if err := m.ch.Send(protocol.JoinRoom{RoomID: roomID}); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("send join_room: %w", err)
		}
		m.join = c
		m.joinRoom = roomID
		m.resume = ""
	}
	m.mu.Unlock()

	_, err := c.wait(ctx)
	return err
}

// LeaveRoom tears down every peer session and tells the server, without
// waiting for an acknowledgment. A pending JoinRoom fails with
// ErrNotInRoom.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	if !m.joined && m.join == nil {
		m.mu.Unlock()
		return ErrNotInRoom
	}

	roomID := m.roomID
	if !m.joined {
		roomID = m.joinRoom
	}
	if c := m.join; c != nil {
		m.join = nil
		c.resolve("", ErrNotInRoom)
	}
	m.resume = ""
	m.leaveLocked()
	m.mu.Unlock()

	if err := m.ch.Send(protocol.LeaveRoom{RoomID: roomID}); err != nil {
		util.LogWarning("leave_room for %s not delivered: %v", roomID, err)
	}
	util.LogInfo("Left room %s", roomID)
	return nil
}

// Close leaves the current room, fails pending calls with ErrClosed and
// unsubscribes from the channel.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.rejectLocked(ErrClosed)

	roomID := ""
	if m.joined {
		roomID = m.roomID
		m.leaveLocked()
	}
	m.resume = ""
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	if roomID != "" {
		m.ch.Send(protocol.LeaveRoom{RoomID: roomID})
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

func (m *Manager) onAuthenticated(msg protocol.Authenticated) {
	m.mu.Lock()
	c := m.auth
	if c == nil {
		m.mu.Unlock()
		util.LogDebug("Ignoring unsolicited authenticated frame")
		return
	}
	m.auth = nil

	if m.localID != "" && msg.UserID != m.localID {
		c.resolve("", fmt.Errorf("%w: %s, was %s", ErrIdentityChanged, msg.UserID, m.localID))
		m.mu.Unlock()
		return
	}
	m.localID = msg.UserID
	m.authed = true
	c.resolve(msg.UserID, nil)
	m.mu.Unlock()

	util.LogSuccess("Authenticated as %s", msg.UserID)
}

func (m *Manager) onRoomJoined(msg protocol.RoomJoined) {
	m.mu.Lock()
	c := m.join
	if c == nil {
		m.mu.Unlock()
		util.LogDebug("Ignoring unsolicited room_joined frame")
		return
	}
	m.join = nil

	roomID := msg.RoomID
	if roomID == "" {
		roomID = m.joinRoom
	}
	m.roomID = roomID
	m.joined = true
	m.roster = make(map[string]protocol.Participant, len(msg.Users))

	// Everyone already present offers to us.
	for _, u := range msg.Users {
		if u.ID == "" || u.ID == m.localID {
			continue
		}
		m.roster[u.ID] = u
		if _, err := m.peers.Ensure(roomID, u.ID, peer.RoleResponder); err != nil {
			util.LogError("Cannot create session for %s: %v", u.ID, err)
		}
	}
	n := len(m.roster)
	c.resolve(roomID, nil)
	m.mu.Unlock()

	util.LogSuccess("Joined room %s (%d other participants)", roomID, n)
}

func (m *Manager) onUserJoined(msg protocol.UserJoined) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.joined || msg.UserID == m.localID {
		return
	}
	if msg.RoomID != "" && msg.RoomID != m.roomID {
		util.LogDebug("Ignoring user_joined for room %s", msg.RoomID)
		return
	}

	m.roster[msg.UserID] = protocol.Participant{ID: msg.UserID, Username: msg.Username}
	if _, err := m.peers.Ensure(m.roomID, msg.UserID, peer.RoleInitiator); err != nil {
		util.LogError("Cannot create session for %s: %v", msg.UserID, err)
		return
	}
	util.LogInfo("Participant %s joined", msg.UserID)
}

func (m *Manager) onUserLeft(msg protocol.UserLeft) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.joined {
		return
	}
	if msg.RoomID != "" && msg.RoomID != m.roomID {
		return
	}

	// Release the session before the roster entry goes.
	m.peers.Remove(msg.UserID)
	delete(m.roster, msg.UserID)
	util.LogInfo("Participant %s left", msg.UserID)
}

func (m *Manager) onSignal(sig protocol.Signal) {
	m.mu.Lock()
	joined, roomID := m.joined, m.roomID
	m.mu.Unlock()

	if !joined {
		util.Stats.AddDrop()
		util.LogDebug("Dropping signal from %s outside a room", sig.PeerID)
		return
	}
	m.peers.Dispatch(roomID, sig)
}

func (m *Manager) onError(msg protocol.Error) {
	se := serverError(msg)

	m.mu.Lock()
	var notify bool
	switch {
	case m.auth != nil:
		c := m.auth
		m.auth = nil
		c.resolve("", se)
	case m.join != nil && roomLevel(se.Code):
		c := m.join
		m.join = nil
		c.resolve("", se)
	case m.joined && se.Terminal():
		roomID := m.roomID
		m.leaveLocked()
		notify = true
		util.LogError("Removed from room %s: %v", roomID, se)
	default:
		util.LogWarning("%v", se)
	}
	m.mu.Unlock()

	if notify {
		m.roomError(se)
	}
}

// ---------------------------------------------------------------------------
// Transport lifecycle
// ---------------------------------------------------------------------------

func (m *Manager) onLifecycle(l signaling.Lifecycle) {
	switch l.Event {
	case signaling.EventDisconnect:
		m.mu.Lock()
		m.authed = false
		m.rejectLocked(signaling.ErrDisconnected)
		if m.joined {
			// The server has already announced our departure.
			if !l.Intentional && !m.closed {
				m.resume = m.roomID
			}
			m.leaveLocked()
		}
		m.mu.Unlock()

	case signaling.EventConnect:
		if l.Reconnected {
			go m.resumeSession()
		}

	case signaling.EventConnectError:
		if errors.Is(l.Err, signaling.ErrReconnectExhausted) {
			m.mu.Lock()
			room := m.resume
			m.resume = ""
			m.mu.Unlock()
			if room != "" {
				m.roomError(fmt.Errorf("cannot rejoin %s: %w", room, l.Err))
			}
		}
	}
}

// resumeSession re-authenticates with the stored credential and rejoins
// the room held before the drop, as the Responder towards everyone there.
func (m *Manager) resumeSession() {
	m.mu.Lock()
	token, room, closed := m.token, m.resume, m.closed
	m.mu.Unlock()

	if closed || token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ResumeTimeout)
	defer cancel()

	if _, err := m.Authenticate(ctx, token); err != nil {
		util.LogError("Re-authentication failed: %v", err)
		m.roomError(fmt.Errorf("resume: %w", err))
		return
	}
	if room == "" {
		return
	}

	util.LogInfo("Rejoining room %s", room)
	if err := m.JoinRoom(ctx, room); err != nil {
		util.LogError("Rejoin of %s failed: %v", room, err)
		m.roomError(fmt.Errorf("resume: %w", err))
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// leaveLocked drops local room state and every peer session.
func (m *Manager) leaveLocked() {
	m.peers.CloseAll()
	m.roster = make(map[string]protocol.Participant)
	m.joined = false
	m.roomID = ""
}

func (m *Manager) rejectLocked(err error) {
	if c := m.auth; c != nil {
		m.auth = nil
		c.resolve("", err)
	}
	if c := m.join; c != nil {
		m.join = nil
		c.resolve("", err)
	}
}

func (m *Manager) roomError(err error) {
	m.mu.Lock()
	fns := slices.Clone(m.onRoomError)
	m.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}
