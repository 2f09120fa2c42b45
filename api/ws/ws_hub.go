package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zlnvch/inkroom/cache"
	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/presence"
	"github.com/zlnvch/inkroom/service"
)

const maxConnectionsPerIdentity = 5

var errTooManyConnections = errors.New("too many connections")

// Membership is the room membership shared with the other instances.
type Membership interface {
	EnterRoom(ctx context.Context, roomId string, connId string, identity models.Identity) error
	ExitRoom(ctx context.Context, roomId string, connId string, identity models.Identity) (bool, error)
	PublishRoster(ctx context.Context, roomId string)
}

// Hub routes room events to the connections of this process. Local
// membership is held by the presence registry and mirrored into the shared
// membership; the hub adds the client handles and one Redis subscription per
// locally populated room.
type Hub struct {
	cache       cache.BoardCache
	registry    *presence.Registry
	members     Membership
	onRoomEmpty func(roomId string)

	mu                     sync.Mutex
	clients                map[presence.ConnectionId]*Client
	identityConnections    map[string]int
	roomToSubscriberCancel map[string]context.CancelFunc
}

func NewHub(boardCache cache.BoardCache, registry *presence.Registry, members Membership, onRoomEmpty func(roomId string)) *Hub {
	return &Hub{
		cache:                  boardCache,
		registry:               registry,
		members:                members,
		onRoomEmpty:            onRoomEmpty,
		clients:                make(map[presence.ConnectionId]*Client),
		identityConnections:    make(map[string]int),
		roomToSubscriberCancel: make(map[string]context.CancelFunc),
	}
}

// Run keeps this instance's memberships alive until ctx is done. Entries of
// a crashed instance expire on their own.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(service.MemberRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshMembers(ctx)
		}
	}
}

func (h *Hub) refreshMembers(ctx context.Context) {
	for _, s := range h.registry.Sessions() {
		if err := h.members.EnterRoom(ctx, s.RoomId, string(s.ConnId), s.Identity); err != nil {
			log.Printf("Failed to refresh connection %s in room %s: %v", s.ConnId, s.RoomId, err)
			continue
		}
		// The connection may have left while its entry was being refreshed
		if room, ok := h.registry.RoomOf(s.ConnId); !ok || room != s.RoomId {
			h.exited(s.RoomId, s.ConnId, s.Identity)
		}
	}
}

func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.identityConnections[client.identity.Id] >= maxConnectionsPerIdentity {
		log.Printf("Identity %s reached max connections (%d)", client.identity.Id, maxConnectionsPerIdentity)
		return errTooManyConnections
	}
	h.identityConnections[client.identity.Id]++
	h.clients[client.id] = client
	return nil
}

// Unregister is the implicit leave of a closed connection.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	h.identityConnections[client.identity.Id]--
	if h.identityConnections[client.identity.Id] <= 0 {
		delete(h.identityConnections, client.identity.Id)
	}
	h.mu.Unlock()

	h.Leave(client)
	client.closeSend()
}

// Join moves the client into roomId. The room subscription is in place
// before the client is registered, so no event published after Join returns
// can be missed.
func (h *Hub) Join(ctx context.Context, client *Client, roomId string) error {
	h.mu.Lock()
	if err := h.subscribeLocked(roomId); err != nil {
		h.mu.Unlock()
		return err
	}
	_, previous := h.registry.Join(client.id, roomId, client.identity)
	h.mu.Unlock()

	if previous != nil {
		h.departed(*previous)
	}

	if err := h.members.EnterRoom(ctx, roomId, string(client.id), client.identity); err != nil {
		h.Leave(client)
		return err
	}
	return nil
}

func (h *Hub) Leave(client *Client) {
	if d, ok := h.registry.Leave(client.id); ok {
		h.departed(d)
	}
}

func (h *Hub) departed(d presence.Departure) {
	if d.RoomEmpty {
		h.mu.Lock()
		// A join may have raced in between the leave and this point.
		if h.registry.IsEmpty(d.RoomId) {
			if cancel, ok := h.roomToSubscriberCancel[d.RoomId]; ok {
				cancel()
				delete(h.roomToSubscriberCancel, d.RoomId)
			}
		}
		h.mu.Unlock()
	}

	h.exited(d.RoomId, d.ConnId, d.Identity)
}

// exited drops the connection from the shared membership. Only the instance
// whose removal empties the room everywhere reports it empty.
func (h *Hub) exited(roomId string, connId presence.ConnectionId, identity models.Identity) {
	ctx := context.Background()

	empty, err := h.members.ExitRoom(ctx, roomId, string(connId), identity)
	if err != nil {
		log.Printf("Failed to record departure of %s from room %s: %v", connId, roomId, err)
		return
	}
	if !empty {
		h.members.PublishRoster(ctx, roomId)
		return
	}

	log.Printf("Room %s is empty", roomId)
	if h.onRoomEmpty != nil {
		h.onRoomEmpty(roomId)
	}
}

func (h *Hub) subscribeLocked(roomId string) error {
	if _, ok := h.roomToSubscriberCancel[roomId]; ok {
		return nil
	}

	log.Printf("Subscriber does not exist, creating for room: %s", roomId)
	ctx, cancel := context.WithCancel(context.Background())
	channel := service.RoomChannel(roomId)

	err := h.cache.Subscribe(ctx, channel, func(message []byte) {
		h.DeliverLocal(roomId, message)
	})
	if err != nil {
		cancel()
		log.Printf("Failed to create redis sub for channel %s: %v", channel, err)
		return err
	}
	h.roomToSubscriberCancel[roomId] = cancel
	return nil
}

// DeliverLocal hands message to every connection of this process that is in
// the room, the originator included. A client whose queue is full misses the
// message and is disconnected; it recovers by rejoining.
func (h *Hub) DeliverLocal(roomId string, message []byte) {
	conns := h.registry.ConnectionsOf(roomId)

	h.mu.Lock()
	targets := make([]*Client, 0, len(conns))
	for _, connId := range conns {
		if c, ok := h.clients[connId]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.enqueue(message) {
			log.Printf("Dropping slow connection %s of identity %s in room %s", c.id, c.identity.Id, roomId)
			c.closeSend()
		}
	}
}

func (h *Hub) SubscribedRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.roomToSubscriberCancel)
}
