package roomserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/protocol"
	"github.com/1ureka/meshroom/internal/util"
)

// storeTimeout bounds one RosterStore call.
const storeTimeout = 2 * time.Second

// room is one mesh room. Members keep join order so room_joined lists the
// roster oldest first.
type room struct {
	id      string
	max     int
	allow   map[string]bool
	members []*conn
}

func (r *room) member(userID string) *conn {
	for _, c := range r.members {
		if c.userID == userID {
			return c
		}
	}
	return nil
}

func (r *room) remove(c *conn) bool {
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			return true
		}
	}
	return false
}

func (r *room) broadcast(msg protocol.Message, except *conn) {
	for _, m := range r.members {
		if m != except {
			m.reply(msg)
		}
	}
}

// hub owns every room and connection. Connection identity and room
// membership fields are guarded by mu.
type hub struct {
	cfg   config.Server
	store RosterStore

	mu       sync.Mutex
	closed   bool
	declared map[string]config.Room
	rooms    map[string]*room
	conns    map[*conn]struct{}
}

func newHub(cfg config.Server, store RosterStore) *hub {
	h := &hub{
		cfg:      cfg,
		store:    store,
		declared: make(map[string]config.Room, len(cfg.Rooms)),
		rooms:    make(map[string]*room),
		conns:    make(map[*conn]struct{}),
	}
	for _, r := range cfg.Rooms {
		h.declared[r.ID] = r
	}
	return h
}

func (h *hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// closeAll stops accepting connections and closes the open ones.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// capacity reports the limit for roomID and whether it is pre-declared.
func (h *hub) capacity(roomID string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.declared[roomID]; ok {
		return h.limit(r), true
	}
	return h.cfg.MaxParticipants, false
}

func (h *hub) limit(r config.Room) int {
	if r.MaxParticipants > 0 {
		return r.MaxParticipants
	}
	return h.cfg.MaxParticipants
}

// lookup returns the room, creating it when declared or auto-creation is
// on. Caller holds mu.
func (h *hub) lookup(roomID string) (*room, bool) {
	if r, ok := h.rooms[roomID]; ok {
		return r, true
	}

	r := &room{id: roomID, max: h.cfg.MaxParticipants}
	if d, ok := h.declared[roomID]; ok {
		r.max = h.limit(d)
		if len(d.Allow) > 0 {
			r.allow = make(map[string]bool, len(d.Allow))
			for _, id := range d.Allow {
				r.allow[id] = true
			}
		}
	} else if !h.cfg.AutoCreateRooms {
		return nil, false
	}

	h.rooms[roomID] = r
	util.LogDebug("room %s opened (capacity %d)", roomID, r.max)
	return r, true
}

// dropLocked forgets r once it is empty; declared rooms are rebuilt by
// lookup. Caller holds mu.
func (h *hub) dropLocked(r *room) {
	if len(r.members) == 0 {
		delete(h.rooms, r.id)
		util.LogDebug("room %s closed", r.id)
	}
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// authenticate binds id to c. The identity cannot change while c is in a
// room.
func (h *hub) authenticate(c *conn, id Identity) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room != nil && c.userID != id.UserID {
		return fmt.Errorf("cannot switch identity inside room %s", c.room.id)
	}
	c.userID = id.UserID
	c.username = id.Username
	return nil
}

// join admits c into roomID, answering with room_joined and announcing the
// newcomer to everyone already present. A stale connection of the same
// user is evicted first.
func (h *hub) join(c *conn, roomID string) {
	h.mu.Lock()

	switch {
	case c.userID == "":
		h.mu.Unlock()
		c.fail(protocol.CodeAuthFailed, "authenticate before joining")
		return
	case roomID == "":
		h.mu.Unlock()
		c.fail(protocol.CodeInvalidMessage, "join_room without roomId")
		return
	case c.room != nil:
		current := c.room.id
		h.mu.Unlock()
		if current == roomID {
			c.reply(protocol.RoomJoined{RoomID: roomID, Users: h.roster(c)})
			return
		}
		c.fail(protocol.CodeInvalidMessage, fmt.Sprintf("already in room %s", current))
		return
	}

	r, ok := h.lookup(roomID)
	if !ok {
		h.mu.Unlock()
		c.fail(protocol.CodeRoomNotFound, fmt.Sprintf("room %s does not exist", roomID))
		return
	}
	if r.allow != nil && !r.allow[c.userID] {
		h.dropLocked(r)
		h.mu.Unlock()
		c.fail(protocol.CodeAccessDenied, fmt.Sprintf("not allowed in room %s", roomID))
		return
	}

	stale := r.member(c.userID)
	occupied := len(r.members)
	if stale != nil {
		occupied--
	}
	if occupied >= r.max {
		h.mu.Unlock()
		c.fail(protocol.CodeRoomFull, fmt.Sprintf("room %s is full (%d/%d)", roomID, occupied, r.max))
		return
	}

	if stale != nil {
		r.remove(stale)
		stale.room = nil
		r.broadcast(protocol.UserLeft{RoomID: r.id, UserID: stale.userID}, nil)
	}

	users := make([]protocol.Participant, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, protocol.Participant{ID: m.userID, Username: m.username})
	}
	r.members = append(r.members, c)
	c.room = r

	c.reply(protocol.RoomJoined{RoomID: r.id, Users: users})
	r.broadcast(protocol.UserJoined{RoomID: r.id, UserID: c.userID, Username: c.username}, c)
	n := len(r.members)
	h.mu.Unlock()

	if stale != nil {
		util.LogInfo("%s rejoined %s, replacing %s", c.userID, roomID, stale.id)
		stale.close()
	}
	h.mirrorAdd(roomID, c.userID)
	util.LogSuccess("%s joined %s (%d/%d)", c.userID, roomID, n, r.max)
}

// roster lists everyone in c's room except c.
func (h *hub) roster(c *conn) []protocol.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.room == nil {
		return nil
	}
	users := make([]protocol.Participant, 0, len(c.room.members))
	for _, m := range c.room.members {
		if m != c {
			users = append(users, protocol.Participant{ID: m.userID, Username: m.username})
		}
	}
	return users
}

// leave removes c from its room and announces the departure. explicit
// reports NOT_IN_ROOM when there is nothing to leave.
func (h *hub) leave(c *conn, explicit bool) {
	h.mu.Lock()

	r := c.room
	if r == nil || !r.remove(c) {
		c.room = nil
		h.mu.Unlock()
		if explicit {
			c.fail(protocol.CodeNotInRoom, "not in a room")
		}
		return
	}
	c.room = nil
	r.broadcast(protocol.UserLeft{RoomID: r.id, UserID: c.userID}, nil)
	h.dropLocked(r)
	h.mu.Unlock()

	h.mirrorRemove(r.id, c.userID)
	util.LogInfo("%s left %s", c.userID, r.id)
}

// relay forwards sig to its target with peerId rewritten to the sender.
func (h *hub) relay(c *conn, sig protocol.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := c.room
	if r == nil {
		c.fail(protocol.CodeNotInRoom, "webrtc_signal outside a room")
		return
	}
	if sig.RoomID != "" && sig.RoomID != r.id {
		c.fail(protocol.CodeNotInRoom, fmt.Sprintf("not in room %s", sig.RoomID))
		return
	}

	target := r.member(sig.PeerID)
	if target == nil || target == c {
		util.Stats.AddDrop()
		util.LogWarning("signal from %s to unknown peer %s in %s dropped", c.userID, sig.PeerID, r.id)
		return
	}

	sig.PeerID = c.userID
	sig.RoomID = r.id
	target.reply(sig)
}

// ---------------------------------------------------------------------------
// Roster mirror
// ---------------------------------------------------------------------------

func (h *hub) mirrorAdd(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.Add(ctx, roomID, userID); err != nil {
		util.LogWarning("roster mirror: %v", err)
	}
}

func (h *hub) mirrorRemove(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.store.Remove(ctx, roomID, userID); err != nil {
		util.LogWarning("roster mirror: %v", err)
	}
}
