package cache

import (
	"context"
	"time"
)

type BoardCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// AcquireLock takes key for owner if nobody holds it. The lock expires
	// after ttl so a crashed holder cannot wedge it.
	AcquireLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error)
	// ReleaseLock drops key only if owner still holds it.
	ReleaseLock(ctx context.Context, key string, owner string) error

	// Room membership shared by every instance. A member is dropped at its
	// deadline unless AddRoomMember refreshes it first.
	AddRoomMember(ctx context.Context, roomId string, member string, ttl time.Duration) error
	// RemoveRoomMember returns how many live members remain.
	RemoveRoomMember(ctx context.Context, roomId string, member string) (int, error)
	RoomMembers(ctx context.Context, roomId string) ([]string, error)
}
