package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	blobmocks "github.com/zlnvch/inkroom/blob/mocks"
	cachemocks "github.com/zlnvch/inkroom/cache/mocks"
	"github.com/zlnvch/inkroom/models"
	mqmocks "github.com/zlnvch/inkroom/mq/mocks"
	"github.com/zlnvch/inkroom/raster"
	"github.com/zlnvch/inkroom/service"
	"github.com/zlnvch/inkroom/store"
	storemocks "github.com/zlnvch/inkroom/store/mocks"
)

const roomId = "room1"

var (
	editor = models.Identity{Id: "editor1", Username: "ed"}
	viewer = models.Identity{Id: "viewer1", Username: "vi"}
	nobody = models.Identity{Id: "stranger", Username: "st"}
)

type mocks struct {
	store *storemocks.MockStore
	cache *cachemocks.MockCache
	mq    *mqmocks.MockMQ
	blobs *blobmocks.MockBlobStore
}

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, mocks) {
	m := mocks{
		store: new(storemocks.MockStore),
		cache: new(cachemocks.MockCache),
		mq:    new(mqmocks.MockMQ),
		blobs: new(blobmocks.MockBlobStore),
	}

	renderer, err := raster.NewRenderer()
	require.NoError(t, err)

	svc := service.NewService(m.store, m.cache, m.mq, m.blobs, renderer, []byte("secret"), "test-instance")
	return svc, m
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

func board(cursor models.LogCursor) models.Whiteboard {
	return models.Whiteboard{
		Id:      roomId,
		OwnerId: editor.Id,
		Annotators: []models.Annotator{
			{IdentityId: editor.Id, Role: models.RoleEditor},
			{IdentityId: viewer.Id, Role: models.RoleViewer},
		},
		Cursor: cursor,
	}
}

func entry(index int64, undone bool) models.Action {
	return models.Action{
		Id:       string(rune('A' + index)),
		Index:    index,
		Type:     models.ActionPen,
		Payload:  json.RawMessage(`{"color":"#ffffff","size":2,"points":[{"x":1,"y":1}]}`),
		AuthorId: editor.Id,
		Undone:   undone,
	}
}

// eventOfType matches a published envelope by its type and decodes its data into out.
func eventOfType(eventType string, out any) any {
	return mock.MatchedBy(func(msg []byte) bool {
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != eventType {
			return false
		}
		if out != nil {
			return json.Unmarshal(env.Data, out) == nil
		}
		return true
	})
}

type recordingDeliverer struct {
	rooms    []string
	messages [][]byte
}

func (r *recordingDeliverer) DeliverLocal(roomId string, message []byte) {
	r.rooms = append(r.rooms, roomId)
	r.messages = append(r.messages, message)
}

type fakePresence struct {
	occupied map[string]bool
}

func (p fakePresence) IsEmpty(roomId string) bool {
	return !p.occupied[roomId]
}

func penInput() service.ActionInput {
	var in service.ActionInput
	_ = json.Unmarshal([]byte(`{"type":"pen","color":"#ff0000","points":[{"x":10,"y":20},{"x":30,"y":40}]}`), &in)
	return in
}

func TestActionInput_FlatWireForm(t *testing.T) {
	in := penInput()
	assert.Equal(t, models.ActionPen, in.Type)
	assert.Contains(t, string(in.Payload), `"points"`)
}

func TestMutate_Success(t *testing.T) {
	svc, m := setupService(t)
	ctx := context.Background()

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	var appended models.Action
	m.store.On("AppendAction", mock.Anything, roomId, mock.MatchedBy(func(a models.Action) bool {
		return a.Type == models.ActionPen && a.AuthorId == editor.Id && a.Id != ""
	})).Run(func(args mock.Arguments) {
		appended = args.Get(2).(models.Action)
	}).Return(models.Action{Id: "A", Index: 0, Type: models.ActionPen}, nil)

	var published service.ActionAppendedData
	m.cache.On("Publish", mock.Anything, "room:"+roomId, eventOfType(models.EventActionAdded, &published)).Return(nil)

	action, err := svc.Mutate(ctx, editor, roomId, penInput())
	require.NoError(t, err)
	assert.Equal(t, int64(0), action.Index)
	assert.Equal(t, "A", action.Id)

	// Canonical payload gets the default size filled in
	var p models.StrokePayload
	require.NoError(t, json.Unmarshal(appended.Payload, &p))
	assert.Equal(t, float64(2), p.Size)
	assert.Equal(t, "#ff0000", p.Color)
	assert.NotContains(t, string(appended.Payload), `"type"`)

	assert.Equal(t, roomId, published.RoomId)
	assert.Equal(t, "A", published.Action.Id)
	m.store.AssertExpectations(t)
	m.cache.AssertExpectations(t)
}

func TestMutate_ViewerDenied(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)

	_, err := svc.Mutate(context.Background(), viewer, roomId, penInput())
	assert.Equal(t, service.CodeAuthorization, service.CodeOf(err))
	m.store.AssertNotCalled(t, "AppendAction", mock.Anything, mock.Anything, mock.Anything)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestMutate_NoRoleDenied(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)

	_, err := svc.Mutate(context.Background(), nobody, roomId, penInput())
	assert.Equal(t, service.CodeAuthorization, service.CodeOf(err))
	m.store.AssertNotCalled(t, "AppendAction", mock.Anything, mock.Anything, mock.Anything)
}

func TestMutate_BoardNotFound(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(models.Whiteboard{}, store.ErrItemNotFound)

	_, err := svc.Mutate(context.Background(), editor, roomId, penInput())
	assert.Equal(t, service.CodeNotFound, service.CodeOf(err))
}

func TestMutate_InvalidPayloadNotWritten(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)

	var in service.ActionInput
	require.NoError(t, json.Unmarshal([]byte(`{"type":"pen","color":"red","points":[{"x":1,"y":1}]}`), &in))

	_, err := svc.Mutate(context.Background(), editor, roomId, in)
	assert.Equal(t, service.CodeValidation, service.CodeOf(err))
	m.store.AssertNotCalled(t, "AppendAction", mock.Anything, mock.Anything, mock.Anything)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestMutate_RetriesLostAppend(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("AppendAction", mock.Anything, roomId, mock.Anything).Return(models.Action{}, store.ErrConditionFailed).Once()
	m.store.On("AppendAction", mock.Anything, roomId, mock.Anything).Return(entry(4, false), nil).Once()
	m.cache.On("Publish", mock.Anything, "room:"+roomId, mock.Anything).Return(nil)

	action, err := svc.Mutate(context.Background(), editor, roomId, penInput())
	require.NoError(t, err)
	assert.Equal(t, int64(4), action.Index)
	m.store.AssertNumberOfCalls(t, "AppendAction", 2)
}

func TestMutate_GivesUpAfterRepeatedConflicts(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("AppendAction", mock.Anything, roomId, mock.Anything).Return(models.Action{}, store.ErrConditionFailed)

	_, err := svc.Mutate(context.Background(), editor, roomId, penInput())
	assert.Equal(t, service.CodeConflict, service.CodeOf(err))
	m.store.AssertNumberOfCalls(t, "AppendAction", 5)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestMutate_PublishFailureDeliversLocally(t *testing.T) {
	svc, m := setupService(t)
	local := &recordingDeliverer{}
	svc.AttachPresence(fakePresence{}, local)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("AppendAction", mock.Anything, roomId, mock.Anything).Return(entry(0, false), nil)
	m.cache.On("Publish", mock.Anything, "room:"+roomId, mock.Anything).Return(errors.New("redis down"))

	_, err := svc.Mutate(context.Background(), editor, roomId, penInput())
	require.NoError(t, err)
	require.Len(t, local.messages, 1)
	assert.Equal(t, roomId, local.rooms[0])
	assert.Contains(t, string(local.messages[0]), models.EventActionAdded)
}

func TestUndo_FlipsNewestActive(t *testing.T) {
	svc, m := setupService(t)
	cursor := models.LogCursor{Epoch: 0, Seq: 3, Version: 7}

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(cursor), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		BoardId: roomId,
		Cursor:  cursor,
		Actions: []models.Action{entry(0, false), entry(1, false), entry(2, true)},
	}, nil)
	m.store.On("SetActionUndone", mock.Anything, roomId, int64(1), true, cursor).Return(nil)

	var published service.ActionUndoneData
	m.cache.On("Publish", mock.Anything, "room:"+roomId, eventOfType(models.EventActionUndone, &published)).Return(nil)

	action, ok, err := svc.Undo(context.Background(), editor, roomId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", action.Id)
	assert.True(t, action.Undone)
	assert.Equal(t, service.ActionUndoneData{RoomId: roomId, ActionId: "B", Index: 1}, published)
}

func TestUndo_NothingActiveIsSilentNoop(t *testing.T) {
	svc, m := setupService(t)
	cursor := models.LogCursor{Seq: 2, Version: 4}

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(cursor), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Cursor:  cursor,
		Actions: []models.Action{entry(0, true), entry(1, true)},
	}, nil)

	_, ok, err := svc.Undo(context.Background(), editor, roomId)
	require.NoError(t, err)
	assert.False(t, ok)
	m.store.AssertNotCalled(t, "SetActionUndone", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestUndo_EmptyLogIsSilentNoop(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{}, nil)

	_, ok, err := svc.Undo(context.Background(), editor, roomId)
	require.NoError(t, err)
	assert.False(t, ok)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestUndo_LostUpdateReselects(t *testing.T) {
	svc, m := setupService(t)
	first := models.LogCursor{Seq: 2, Version: 2}
	second := models.LogCursor{Seq: 3, Version: 3}

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(first), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Cursor:  first,
		Actions: []models.Action{entry(0, false), entry(1, false)},
	}, nil).Once()
	// A concurrent append landed between the read and the flip.
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Cursor:  second,
		Actions: []models.Action{entry(0, false), entry(1, false), entry(2, false)},
	}, nil).Once()
	m.store.On("SetActionUndone", mock.Anything, roomId, int64(1), true, first).Return(store.ErrConditionFailed)
	m.store.On("SetActionUndone", mock.Anything, roomId, int64(2), true, second).Return(nil)
	m.cache.On("Publish", mock.Anything, "room:"+roomId, mock.Anything).Return(nil).Once()

	action, ok, err := svc.Undo(context.Background(), editor, roomId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), action.Index)
	m.cache.AssertNumberOfCalls(t, "Publish", 1)
}

func TestUndo_ViewerDenied(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)

	_, _, err := svc.Undo(context.Background(), viewer, roomId)
	assert.Equal(t, service.CodeAuthorization, service.CodeOf(err))
	m.store.AssertNotCalled(t, "GetActionLog", mock.Anything, mock.Anything)
}

func TestRedo_ReactivatesLargestUndone(t *testing.T) {
	svc, m := setupService(t)
	cursor := models.LogCursor{Seq: 3, Version: 5}

	// A, then undo(C), undo(B): redo brings back C
	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(cursor), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Cursor:  cursor,
		Actions: []models.Action{entry(0, false), entry(1, true), entry(2, true)},
	}, nil)
	m.store.On("SetActionUndone", mock.Anything, roomId, int64(2), false, cursor).Return(nil)

	var published service.ActionRedoneData
	m.cache.On("Publish", mock.Anything, "room:"+roomId, eventOfType(models.EventActionRedone, &published)).Return(nil)

	action, ok, err := svc.Redo(context.Background(), editor, roomId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "C", action.Id)
	assert.False(t, action.Undone)
	assert.Equal(t, "C", published.Action.Id)
}

func TestRedo_NothingUndoneIsSilentNoop(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Actions: []models.Action{entry(0, false)},
	}, nil)

	_, ok, err := svc.Redo(context.Background(), editor, roomId)
	require.NoError(t, err)
	assert.False(t, ok)
	m.cache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestRedo_StoreFailureIsInternal(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{}, errors.New("throttled"))

	_, _, err := svc.Redo(context.Background(), editor, roomId)
	assert.Equal(t, service.CodeInternal, service.CodeOf(err))
	assert.Equal(t, "internal server error", service.PublicMessage(err))
}

func TestClear_AppendsClearMarker(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("AppendAction", mock.Anything, roomId, mock.MatchedBy(func(a models.Action) bool {
		return a.Type == models.ActionClear && a.Payload == nil
	})).Return(models.Action{Id: "clear1", Index: 3, Type: models.ActionClear}, nil)

	var published service.ClearedData
	m.cache.On("Publish", mock.Anything, "room:"+roomId, eventOfType(models.EventCleared, &published)).Return(nil)

	action, err := svc.Clear(context.Background(), editor, roomId)
	require.NoError(t, err)
	assert.Equal(t, models.ActionClear, action.Type)
	assert.Equal(t, "clear1", published.Action.Id)
}

func TestClear_ViewerDenied(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)

	_, err := svc.Clear(context.Background(), viewer, roomId)
	assert.Equal(t, service.CodeAuthorization, service.CodeOf(err))
	m.store.AssertNotCalled(t, "AppendAction", mock.Anything, mock.Anything, mock.Anything)
}

func TestLoadRoom_ReturnsSnapshotAndVisible(t *testing.T) {
	svc, m := setupService(t)
	cursor := models.LogCursor{Epoch: 2, Seq: 3, Version: 9}
	wb := board(cursor)
	wb.SnapshotRef = "boards/room1/1-abc.png"

	clearAction := models.Action{Id: "X", Index: 1, Type: models.ActionClear}
	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(wb, nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{
		Cursor:  cursor,
		Actions: []models.Action{entry(0, false), clearAction, entry(2, false)},
	}, nil)

	state, err := svc.LoadRoom(context.Background(), roomId)
	require.NoError(t, err)
	assert.Len(t, state.Actions, 3)
	assert.Equal(t, []string{"X", "C"}, state.Visible)
	assert.False(t, state.BaseVisible)

	data := state.HistoryData()
	assert.Equal(t, "/boards/room1/snapshot?v=boards%2Froom1%2F1-abc.png", data.SnapshotUrl)
}

func TestLoadRoom_EmptyLogSerializesAsEmptyArray(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{}), nil)
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{}, nil)

	state, err := svc.LoadRoom(context.Background(), roomId)
	require.NoError(t, err)
	assert.True(t, state.BaseVisible)

	b, err := json.Marshal(state.HistoryData())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"actions":[]`)
	assert.Contains(t, string(b), `"snapshotUrl":""`)
}

func TestLoadRoom_RereadsWhenCompactionCommitsMidway(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{Epoch: 0, Seq: 2}), nil).Once()
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{Cursor: models.LogCursor{Epoch: 1}}, nil).Once()
	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(board(models.LogCursor{Epoch: 1}), nil).Once()
	m.store.On("GetActionLog", mock.Anything, roomId).Return(models.ActionLog{Cursor: models.LogCursor{Epoch: 1}}, nil).Once()

	state, err := svc.LoadRoom(context.Background(), roomId)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Cursor.Epoch)
	m.store.AssertNumberOfCalls(t, "GetWhiteboard", 2)
}

func TestLoadRoom_NotFound(t *testing.T) {
	svc, m := setupService(t)

	m.store.On("GetWhiteboard", mock.Anything, roomId).Return(models.Whiteboard{}, store.ErrItemNotFound)

	_, err := svc.LoadRoom(context.Background(), roomId)
	assert.Equal(t, service.CodeNotFound, service.CodeOf(err))
}

func TestLoadRoom_InvalidRoomId(t *testing.T) {
	svc, m := setupService(t)

	_, err := svc.LoadRoom(context.Background(), "")
	assert.Equal(t, service.CodeValidation, service.CodeOf(err))
	m.store.AssertNotCalled(t, "GetWhiteboard", mock.Anything, mock.Anything)
}
