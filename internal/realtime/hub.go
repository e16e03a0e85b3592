package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventConnected         = "connected"
	EventPing              = "ping"
	EventCycleTaskReminder = "cycle_task_reminder"
	EventTaskUpdate        = "task_update"
	EventNFCTaskUpdate     = "nfc_task_update"

	defaultHeartbeatInterval = 5 * time.Second
	defaultInactivityTimeout = 120 * time.Second
	defaultQueueCapacity     = 64
)

var (
	// ErrHubClosed is returned by Connect after Close.
	ErrHubClosed = errors.New("realtime: hub closed")
	// ErrInvalidOwner is returned for non-positive owner ids.
	ErrInvalidOwner = errors.New("realtime: invalid owner id")
	// ErrInvalidRoom is returned for blank room names.
	ErrInvalidRoom = errors.New("realtime: invalid room")
)

// HubConfig tunes the hub. Zero values fall back to defaults.
type HubConfig struct {
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	QueueCapacity     int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int   `json:"connections"`
	Owners      int   `json:"owners"`
	Rooms       int   `json:"rooms"`
	Dropped     int64 `json:"dropped"`
}

// Connection is the hub-side record of one SSE stream.
type Connection struct {
	ID        string
	OwnerID   int64
	CreatedAt time.Time

	lastActivity atomic.Int64
	queue        *eventQueue
	done         chan struct{}
	closeOnce    sync.Once
}

// LastActivity returns the time of the last successful write.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Pending returns the number of queued events.
func (c *Connection) Pending() int {
	return c.queue.Len()
}

// Dropped returns the number of events discarded on overflow.
func (c *Connection) Dropped() int64 {
	return c.queue.Dropped()
}

// Done is closed once the connection has been disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) release() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		close(c.done)
	})
}

// Hub tracks live SSE connections, their owners and room membership. Registry
// mutations happen under short critical sections; fan-out snapshots the
// targets under the read lock and enqueues outside it.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	owners      map[int64]map[string]*Connection
	rooms       map[string]map[int64]struct{}
	closed      bool

	dropped           atomic.Int64
	heartbeatInterval time.Duration
	inactivityTimeout time.Duration
	queueCapacity     int
	clock             func() time.Time
	logger            *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(cfg HubConfig) *Hub {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = defaultInactivityTimeout
	}
	// Pings are the only writes on an idle stream, so they must come often
	// enough that an idle but healthy client never looks inactive.
	if heartbeat >= inactivity {
		heartbeat = inactivity / 2
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections:       make(map[string]*Connection),
		owners:            make(map[int64]map[string]*Connection),
		rooms:             make(map[string]map[int64]struct{}),
		heartbeatInterval: heartbeat,
		inactivityTimeout: inactivity,
		queueCapacity:     capacity,
		clock:             clock,
		logger:            logger,
	}
}

// Connect registers a new connection for owner and joins it to rooms.
func (h *Hub) Connect(ownerID int64, rooms ...string) (*Connection, error) {
	if ownerID <= 0 {
		return nil, ErrInvalidOwner
	}
	now := h.clock()
	connection := &Connection{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		CreatedAt: now,
		queue:     newEventQueue(h.queueCapacity),
		done:      make(chan struct{}),
	}
	// Activity is measured against the wall clock, like the write deadlines.
	connection.touch(time.Now())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.connections[connection.ID] = connection
	if _, ok := h.owners[ownerID]; !ok {
		h.owners[ownerID] = make(map[string]*Connection)
	}
	h.owners[ownerID][connection.ID] = connection
	for _, room := range rooms {
		if name := normalizeRoom(room); name != "" {
			h.joinLocked(ownerID, name)
		}
	}
	h.logger.Debug("sse connection opened",
		zap.String("conn_id", connection.ID),
		zap.Int64("owner_id", ownerID),
	)
	return connection, nil
}

// Disconnect releases the connection. Once an owner has no connections left
// it is removed from every room. Unknown ids are ignored.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	connection, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, connID)
	if owned := h.owners[connection.OwnerID]; owned != nil {
		delete(owned, connID)
		if len(owned) == 0 {
			delete(h.owners, connection.OwnerID)
			for room, members := range h.rooms {
				delete(members, connection.OwnerID)
				if len(members) == 0 {
					delete(h.rooms, room)
				}
			}
		}
	}
	h.mu.Unlock()

	connection.release()
	h.logger.Debug("sse connection closed",
		zap.String("conn_id", connID),
		zap.Int64("owner_id", connection.OwnerID),
	)
}

// JoinRoom adds owner to room.
func (h *Hub) JoinRoom(ownerID int64, room string) error {
	name := normalizeRoom(room)
	if name == "" {
		return ErrInvalidRoom
	}
	if ownerID <= 0 {
		return ErrInvalidOwner
	}
	h.mu.Lock()
	h.joinLocked(ownerID, name)
	h.mu.Unlock()
	return nil
}

// LeaveRoom removes owner from room.
func (h *Hub) LeaveRoom(ownerID int64, room string) error {
	name := normalizeRoom(room)
	if name == "" {
		return ErrInvalidRoom
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.rooms[name]; members != nil {
		delete(members, ownerID)
		if len(members) == 0 {
			delete(h.rooms, name)
		}
	}
	return nil
}

// RoomsOf lists the rooms owner belongs to, sorted by name.
func (h *Hub) RoomsOf(ownerID int64) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var names []string
	for room, members := range h.rooms {
		if _, ok := members[ownerID]; ok {
			names = append(names, room)
		}
	}
	sort.Strings(names)
	return names
}

// BroadcastToRoom enqueues an event for every connection whose owner is in
// room and returns the number of connections reached.
func (h *Hub) BroadcastToRoom(room string, eventType string, payload any) (int, error) {
	event, err := newEvent(eventType, payload)
	if err != nil {
		return 0, err
	}
	name := normalizeRoom(room)

	h.mu.RLock()
	var targets []*Connection
	for ownerID := range h.rooms[name] {
		for _, connection := range h.owners[ownerID] {
			targets = append(targets, connection)
		}
	}
	h.mu.RUnlock()

	return h.deliver(targets, event), nil
}

// Unicast enqueues an event for every connection of owner.
func (h *Hub) Unicast(ownerID int64, eventType string, payload any) (int, error) {
	event, err := newEvent(eventType, payload)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.owners[ownerID]))
	for _, connection := range h.owners[ownerID] {
		targets = append(targets, connection)
	}
	h.mu.RUnlock()

	return h.deliver(targets, event), nil
}

// Stats reports registry sizes and the hub-wide overflow counter.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: len(h.connections),
		Owners:      len(h.owners),
		Rooms:       len(h.rooms),
		Dropped:     h.dropped.Load(),
	}
}

// Close disconnects every connection and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
}

func (h *Hub) deliver(targets []*Connection, event Event) int {
	delivered := 0
	for _, connection := range targets {
		accepted, dropped := connection.queue.Enqueue(event)
		if dropped {
			h.dropped.Add(1)
			h.logger.Debug("sse queue overflow",
				zap.String("conn_id", connection.ID),
				zap.Int64("owner_id", connection.OwnerID),
			)
		}
		if accepted {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) joinLocked(ownerID int64, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[int64]struct{})
		h.rooms[room] = members
	}
	members[ownerID] = struct{}{}
}

func newEvent(eventType string, payload any) (Event, error) {
	if strings.TrimSpace(eventType) == "" || strings.ContainsAny(eventType, "\r\n") {
		return Event{}, errors.New("realtime: invalid event type")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

func normalizeRoom(room string) string {
	return strings.TrimSpace(room)
}
