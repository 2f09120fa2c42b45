package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/inkroom/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetWhiteboard(ctx context.Context, boardId string) (models.Whiteboard, error) {
	args := m.Called(ctx, boardId)
	return args.Get(0).(models.Whiteboard), args.Error(1)
}

func (m *MockStore) GetActionLog(ctx context.Context, boardId string) (models.ActionLog, error) {
	args := m.Called(ctx, boardId)
	return args.Get(0).(models.ActionLog), args.Error(1)
}

func (m *MockStore) AppendAction(ctx context.Context, boardId string, action models.Action) (models.Action, error) {
	args := m.Called(ctx, boardId, action)
	return args.Get(0).(models.Action), args.Error(1)
}

func (m *MockStore) SetActionUndone(ctx context.Context, boardId string, index int64, undone bool, expected models.LogCursor) error {
	args := m.Called(ctx, boardId, index, undone, expected)
	return args.Error(0)
}

func (m *MockStore) CommitSnapshot(ctx context.Context, boardId string, snapshotRef string, expected models.LogCursor) error {
	args := m.Called(ctx, boardId, snapshotRef, expected)
	return args.Error(0)
}

func (m *MockStore) PurgeLogEpoch(ctx context.Context, boardId string, epoch int64) (int, error) {
	args := m.Called(ctx, boardId, epoch)
	return args.Int(0), args.Error(1)
}
