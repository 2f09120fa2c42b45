package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) AcquireLock(ctx context.Context, key string, owner string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, owner, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) ReleaseLock(ctx context.Context, key string, owner string) error {
	args := m.Called(ctx, key, owner)
	return args.Error(0)
}

func (m *MockCache) AddRoomMember(ctx context.Context, roomId string, member string, ttl time.Duration) error {
	args := m.Called(ctx, roomId, member, ttl)
	return args.Error(0)
}

func (m *MockCache) RemoveRoomMember(ctx context.Context, roomId string, member string) (int, error) {
	args := m.Called(ctx, roomId, member)
	return args.Int(0), args.Error(1)
}

func (m *MockCache) RoomMembers(ctx context.Context, roomId string) ([]string, error) {
	args := m.Called(ctx, roomId)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
