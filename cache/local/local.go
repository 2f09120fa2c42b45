// Package local is an in-process BoardCache for single node deployments
// that run without Redis.
package local

import (
	"context"
	"sync"
	"time"
)

type subscriber struct {
	id      uint64
	handler func(message []byte)
}

type lock struct {
	owner   string
	expires time.Time
}

type LocalBoardCache struct {
	mu          sync.Mutex
	nextId      uint64
	subscribers map[string][]subscriber
	locks       map[string]lock
	members     map[string]map[string]time.Time
}

func NewLocalBoardCache() *LocalBoardCache {
	return &LocalBoardCache{
		subscribers: make(map[string][]subscriber),
		locks:       make(map[string]lock),
		members:     make(map[string]map[string]time.Time),
	}
}

// Publish calls every handler of channel before returning.
func (c *LocalBoardCache) Publish(ctx context.Context, channel string, message []byte) error {
	c.mu.Lock()
	subs := append([]subscriber(nil), c.subscribers[channel]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.handler(message)
	}
	return nil
}

func (c *LocalBoardCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.nextId++
	id := c.nextId
	c.subscribers[channel] = append(c.subscribers[channel], subscriber{id: id, handler: handler})
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.unsubscribe(channel, id)
	}()
	return nil
}

func (c *LocalBoardCache) unsubscribe(channel string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subscribers[channel]
	for i, s := range subs {
		if s.id == id {
			c.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.subscribers[channel]) == 0 {
		delete(c.subscribers, channel)
	}
}

func (c *LocalBoardCache) AcquireLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if l, ok := c.locks[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	c.locks[key] = lock{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (c *LocalBoardCache) ReleaseLock(ctx context.Context, key string, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.locks[key]; ok && l.owner == owner {
		delete(c.locks, key)
	}
	return nil
}

func (c *LocalBoardCache) SubscriberCount(channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers[channel])
}

func (c *LocalBoardCache) AddRoomMember(ctx context.Context, roomId string, member string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.members[roomId]
	if !ok {
		room = make(map[string]time.Time)
		c.members[roomId] = room
	}
	room[member] = time.Now().Add(ttl)
	return nil
}

func (c *LocalBoardCache) RemoveRoomMember(ctx context.Context, roomId string, member string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.members[roomId], member)
	return len(c.liveMembersLocked(roomId)), nil
}

func (c *LocalBoardCache) RoomMembers(ctx context.Context, roomId string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveMembersLocked(roomId), nil
}

// liveMembersLocked drops expired members as a side effect.
func (c *LocalBoardCache) liveMembersLocked(roomId string) []string {
	now := time.Now()
	room := c.members[roomId]
	live := make([]string, 0, len(room))
	for member, deadline := range room {
		if !now.Before(deadline) {
			delete(room, member)
			continue
		}
		live = append(live, member)
	}
	if len(room) == 0 {
		delete(c.members, roomId)
	}
	return live
}
