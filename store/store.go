package store

import (
	"context"
	"errors"

	"github.com/zlnvch/inkroom/models"
)

type BoardStore interface {
	GetWhiteboard(ctx context.Context, boardId string) (models.Whiteboard, error)
	GetActionLog(ctx context.Context, boardId string) (models.ActionLog, error)

	// AppendAction assigns the next index in the current epoch and writes the
	// action in the same atomic operation. It never reads the log.
	AppendAction(ctx context.Context, boardId string, action models.Action) (models.Action, error)

	// SetActionUndone flips the undone flag of one entry, conditioned on the
	// log still being at expected and the entry currently holding !undone.
	SetActionUndone(ctx context.Context, boardId string, index int64, undone bool, expected models.LogCursor) error

	// CommitSnapshot replaces the base snapshot and retires the current log
	// epoch in one conditional write.
	CommitSnapshot(ctx context.Context, boardId string, snapshotRef string, expected models.LogCursor) error

	// PurgeLogEpoch deletes the entries of a retired epoch and returns how
	// many were removed. It refuses to touch the current epoch.
	PurgeLogEpoch(ctx context.Context, boardId string, epoch int64) (int, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
