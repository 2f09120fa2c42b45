package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/store"
	"github.com/zlnvch/inkroom/store/sqlite"
)

func newStore(t *testing.T) *sqlite.SQLiteBoardStore {
	s, err := sqlite.NewSQLiteBoardStore(filepath.Join(t.TempDir(), "inkroom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBoard(t *testing.T, s *sqlite.SQLiteBoardStore, id string) {
	err := s.PutWhiteboard(context.Background(), models.Whiteboard{
		Id:      id,
		OwnerId: "owner",
		Title:   "Board " + id,
		Annotators: []models.Annotator{
			{IdentityId: "owner", Role: models.RoleEditor},
			{IdentityId: "viewer", Role: models.RoleViewer},
		},
	})
	require.NoError(t, err)
}

func pen(id string) models.Action {
	return models.Action{
		Id:        id,
		Type:      models.ActionPen,
		Payload:   []byte(`{"color":"#ffffff","size":2,"points":[{"x":1,"y":1}]}`),
		AuthorId:  "owner",
		Timestamp: 1000,
	}
}

func TestGetWhiteboard(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")

	wb, err := s.GetWhiteboard(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "owner", wb.OwnerId)
	assert.Equal(t, models.RoleEditor, wb.RoleOf("owner"))
	assert.Equal(t, models.RoleViewer, wb.RoleOf("viewer"))
	assert.Equal(t, models.RoleNone, wb.RoleOf("stranger"))
	assert.Equal(t, models.LogCursor{}, wb.Cursor)
}

func TestGetWhiteboard_NotFound(t *testing.T) {
	s := newStore(t)

	_, err := s.GetWhiteboard(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrItemNotFound)

	_, err = s.AppendAction(context.Background(), "missing", pen("a"))
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}

func TestPutWhiteboard_Duplicate(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")

	err := s.PutWhiteboard(context.Background(), models.Whiteboard{Id: "b1", OwnerId: "x"})
	assert.ErrorIs(t, err, store.ErrConditionFailed)
}

func TestSetAnnotatorRole_Promotes(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	require.NoError(t, s.SetAnnotatorRole(ctx, "b1", "viewer", models.RoleEditor))

	wb, err := s.GetWhiteboard(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.RoleEditor, wb.RoleOf("viewer"))
}

func TestAppendAction_AssignsSequentialIndexes(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		a, err := s.AppendAction(ctx, "b1", pen(id))
		require.NoError(t, err)
		assert.Equal(t, int64(i), a.Index)
	}

	actionLog, err := s.GetActionLog(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, actionLog.Actions, 3)
	assert.Equal(t, "a", actionLog.Actions[0].Id)
	assert.Equal(t, "c", actionLog.Actions[2].Id)
	assert.Equal(t, int64(3), actionLog.Cursor.Seq)
	assert.Equal(t, int64(3), actionLog.Cursor.Version)
	assert.JSONEq(t, string(pen("a").Payload), string(actionLog.Actions[0].Payload))
}

func TestAppendAction_ConcurrentAppendsKeepDenseOrder(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendAction(ctx, "b1", pen(fmt.Sprintf("a%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	actionLog, err := s.GetActionLog(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, actionLog.Actions, n)
	for i, a := range actionLog.Actions {
		assert.Equal(t, int64(i), a.Index)
	}
}

func TestWritesLockAtBegin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkroom.db")
	s, err := sqlite.NewSQLiteBoardStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	seedBoard(t, s, "b1")

	other, err := sql.Open("sqlite", path+"?_txlock=immediate")
	require.NoError(t, err)
	defer other.Close()
	held, err := other.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer held.Rollback()

	// Reads are not blocked by another writer
	_, err = s.GetWhiteboard(context.Background(), "b1")
	require.NoError(t, err)

	// A write fails on BEGIN instead of after reading a cursor it cannot keep
	_, err = s.AppendAction(context.Background(), "b1", pen("a1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx failed")
	assert.NotErrorIs(t, err, store.ErrConditionFailed)

	require.NoError(t, held.Rollback())
	_, err = s.AppendAction(context.Background(), "b1", pen("a1"))
	assert.NoError(t, err)
}

func TestSetActionUndone_VersionCheck(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	s.AppendAction(ctx, "b1", pen("a"))
	s.AppendAction(ctx, "b1", pen("b"))

	actionLog, err := s.GetActionLog(ctx, "b1")
	require.NoError(t, err)
	stale := actionLog.Cursor

	require.NoError(t, s.SetActionUndone(ctx, "b1", 1, true, stale))

	// Second writer holding the same cursor loses.
	err = s.SetActionUndone(ctx, "b1", 0, true, stale)
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	actionLog, err = s.GetActionLog(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, actionLog.Actions[0].Undone)
	assert.True(t, actionLog.Actions[1].Undone)
	assert.Equal(t, stale.Version+1, actionLog.Cursor.Version)
}

func TestSetActionUndone_AlreadyInState(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	s.AppendAction(ctx, "b1", pen("a"))
	actionLog, _ := s.GetActionLog(ctx, "b1")

	err := s.SetActionUndone(ctx, "b1", 0, false, actionLog.Cursor)
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	// Nothing moved, including the version.
	after, _ := s.GetActionLog(ctx, "b1")
	assert.Equal(t, actionLog.Cursor, after.Cursor)
}

func TestSetActionUndone_MissingBoard(t *testing.T) {
	s := newStore(t)

	err := s.SetActionUndone(context.Background(), "missing", 0, true, models.LogCursor{})
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}

func TestCommitSnapshot_RetiresLog(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	s.AppendAction(ctx, "b1", pen("a"))
	s.AppendAction(ctx, "b1", pen("b"))
	actionLog, _ := s.GetActionLog(ctx, "b1")

	require.NoError(t, s.CommitSnapshot(ctx, "b1", "boards/b1/snap.png", actionLog.Cursor))

	wb, err := s.GetWhiteboard(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "boards/b1/snap.png", wb.SnapshotRef)
	assert.Equal(t, int64(1), wb.Cursor.Epoch)
	assert.Equal(t, int64(0), wb.Cursor.Seq)

	after, err := s.GetActionLog(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, after.Actions)

	// New epoch starts at index zero.
	a, err := s.AppendAction(ctx, "b1", pen("c"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.Index)
}

func TestCommitSnapshot_StaleCursor(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	s.AppendAction(ctx, "b1", pen("a"))
	actionLog, _ := s.GetActionLog(ctx, "b1")

	// A rejoining editor appends between read and commit.
	s.AppendAction(ctx, "b1", pen("b"))

	err := s.CommitSnapshot(ctx, "b1", "boards/b1/snap.png", actionLog.Cursor)
	assert.ErrorIs(t, err, store.ErrConditionFailed)

	wb, _ := s.GetWhiteboard(ctx, "b1")
	assert.Equal(t, "", wb.SnapshotRef)
	after, _ := s.GetActionLog(ctx, "b1")
	assert.Len(t, after.Actions, 2)
}

func TestPurgeLogEpoch(t *testing.T) {
	s := newStore(t)
	seedBoard(t, s, "b1")
	ctx := context.Background()

	s.AppendAction(ctx, "b1", pen("a"))
	s.AppendAction(ctx, "b1", pen("b"))

	_, err := s.PurgeLogEpoch(ctx, "b1", 0)
	assert.Error(t, err, "current epoch must not be purged")

	actionLog, _ := s.GetActionLog(ctx, "b1")
	require.NoError(t, s.CommitSnapshot(ctx, "b1", "ref", actionLog.Cursor))

	n, err := s.PurgeLogEpoch(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.PurgeLogEpoch(ctx, "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
