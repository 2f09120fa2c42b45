package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/zlnvch/inkroom/history"
	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/store"
)

const maxConditionRetries = 5

type ActionInput struct {
	Type    models.ActionType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// UnmarshalJSON accepts the flat wire form {type, ...typed fields} and keeps
// the whole object as the payload for validation.
func (in *ActionInput) UnmarshalJSON(b []byte) error {
	var head struct {
		Type models.ActionType `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	in.Type = head.Type
	in.Payload = append(json.RawMessage(nil), b...)
	return nil
}

type RoomState struct {
	RoomId      string
	SnapshotRef string
	Cursor      models.LogCursor
	Actions     []models.Action
	Visible     []string
	BaseVisible bool
}

func (rs RoomState) HistoryData() HistoryData {
	return HistoryData{
		RoomId:      rs.RoomId,
		SnapshotUrl: SnapshotUrl(rs.RoomId, rs.SnapshotRef),
		Actions:     rs.Actions,
		Visible:     rs.Visible,
		BaseVisible: rs.BaseVisible,
	}
}

// RoomExists reports NotFound for boards that do not exist.
func (s *Service) RoomExists(ctx context.Context, roomId string) error {
	if err := ValidateRoomId(roomId); err != nil {
		return err
	}
	if _, err := s.Store.GetWhiteboard(ctx, roomId); err != nil {
		return fromStore(err, "whiteboard")
	}
	return nil
}

// LoadRoom returns the base snapshot ref and the full current log. The board
// is read before the log and the two are retried until they agree on the
// epoch, so a compaction committing in between cannot pair a new snapshot
// with an already folded log.
func (s *Service) LoadRoom(ctx context.Context, roomId string) (RoomState, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return RoomState{}, err
	}

	for attempt := 0; attempt < maxConditionRetries; attempt++ {
		wb, err := s.Store.GetWhiteboard(ctx, roomId)
		if err != nil {
			return RoomState{}, fromStore(err, "whiteboard")
		}
		actionLog, err := s.Store.GetActionLog(ctx, roomId)
		if err != nil {
			return RoomState{}, fromStore(err, "whiteboard")
		}
		if actionLog.Cursor.Epoch != wb.Cursor.Epoch {
			continue
		}

		ids, baseVisible := history.VisibleIds(actionLog.Actions)
		actions := actionLog.Actions
		if actions == nil {
			actions = []models.Action{}
		}
		return RoomState{
			RoomId:      roomId,
			SnapshotRef: wb.SnapshotRef,
			Cursor:      actionLog.Cursor,
			Actions:     actions,
			Visible:     ids,
			BaseVisible: baseVisible,
		}, nil
	}
	return RoomState{}, ConflictError("whiteboard is being compacted, try again", nil)
}

func (s *Service) Mutate(ctx context.Context, identity models.Identity, roomId string, input ActionInput) (models.Action, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return models.Action{}, err
	}
	if err := s.Authorize(ctx, roomId, identity.Id, models.RoleEditor); err != nil {
		return models.Action{}, err
	}
	payload, err := ValidateAction(input.Type, input.Payload)
	if err != nil {
		return models.Action{}, err
	}

	action, err := s.appendAction(ctx, identity, roomId, input.Type, payload, func(a models.Action) models.Event {
		return models.Event{Type: models.EventActionAdded, Data: ActionAppendedData{RoomId: roomId, Action: a}}
	})
	if err != nil {
		return models.Action{}, err
	}
	return action, nil
}

// Clear appends a clear marker. Earlier actions stay in the log, hidden by
// the reconstruction rule, so the clear itself can be undone.
func (s *Service) Clear(ctx context.Context, identity models.Identity, roomId string) (models.Action, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return models.Action{}, err
	}
	if err := s.Authorize(ctx, roomId, identity.Id, models.RoleEditor); err != nil {
		return models.Action{}, err
	}

	return s.appendAction(ctx, identity, roomId, models.ActionClear, nil, func(a models.Action) models.Event {
		return models.Event{Type: models.EventCleared, Data: ClearedData{RoomId: roomId, Action: a}}
	})
}

func (s *Service) appendAction(
	ctx context.Context,
	identity models.Identity,
	roomId string,
	actionType models.ActionType,
	payload json.RawMessage,
	event func(models.Action) models.Event,
) (models.Action, error) {
	actionUUID, err := uuid.NewV7()
	if err != nil {
		return models.Action{}, InternalError(err)
	}

	action := models.Action{
		Id:        actionUUID.String(),
		Type:      actionType,
		Payload:   payload,
		AuthorId:  identity.Id,
		Timestamp: time.Now().UnixMilli(),
	}

	unlock := s.lockRoom(roomId)
	defer unlock()

	var stored models.Action
	for attempt := 0; ; attempt++ {
		stored, err = s.Store.AppendAction(ctx, roomId, action)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConditionFailed) || attempt+1 >= maxConditionRetries {
			return models.Action{}, fromStore(err, "whiteboard")
		}
	}

	// The action is durable at this point; a failed publish is logged inside
	// Broadcast and must not be reported as a failed mutation.
	s.Broadcast(ctx, roomId, event(stored))
	return stored, nil
}

// Undo deactivates the newest active action in the room, whoever authored it.
// ok is false when there was nothing to undo; nothing is broadcast then.
func (s *Service) Undo(ctx context.Context, identity models.Identity, roomId string) (models.Action, bool, error) {
	return s.transition(ctx, identity, roomId, history.Undo, func(a models.Action) models.Event {
		return models.Event{
			Type: models.EventActionUndone,
			Data: ActionUndoneData{RoomId: roomId, ActionId: a.Id, Index: a.Index},
		}
	})
}

// Redo reactivates the undone action with the largest index.
func (s *Service) Redo(ctx context.Context, identity models.Identity, roomId string) (models.Action, bool, error) {
	return s.transition(ctx, identity, roomId, history.Redo, func(a models.Action) models.Event {
		return models.Event{
			Type: models.EventActionRedone,
			Data: ActionRedoneData{RoomId: roomId, Action: a},
		}
	})
}

// transition selects and flips one entry as a conditional update on the log
// version it was selected from. A lost race re-reads and selects again.
func (s *Service) transition(
	ctx context.Context,
	identity models.Identity,
	roomId string,
	event history.Event,
	broadcast func(models.Action) models.Event,
) (models.Action, bool, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return models.Action{}, false, err
	}
	if err := s.Authorize(ctx, roomId, identity.Id, models.RoleEditor); err != nil {
		return models.Action{}, false, err
	}

	unlock := s.lockRoom(roomId)
	defer unlock()

	for attempt := 0; attempt < maxConditionRetries; attempt++ {
		actionLog, err := s.Store.GetActionLog(ctx, roomId)
		if err != nil {
			return models.Action{}, false, fromStore(err, "whiteboard")
		}

		action, ok := history.Apply(actionLog.Actions, event)
		if !ok {
			return models.Action{}, false, nil
		}

		err = s.Store.SetActionUndone(ctx, roomId, action.Index, action.Undone, actionLog.Cursor)
		if err == nil {
			s.Broadcast(ctx, roomId, broadcast(action))
			return action, true, nil
		}
		if !errors.Is(err, store.ErrConditionFailed) {
			return models.Action{}, false, fromStore(err, "whiteboard")
		}
		log.Printf("Retrying %s on room %s after lost update (attempt %d)", eventName(event), roomId, attempt+1)
	}
	return models.Action{}, false, ConflictError("whiteboard is busy, try again", fmt.Errorf("%s lost %d races", eventName(event), maxConditionRetries))
}

func eventName(e history.Event) string {
	if e == history.Redo {
		return "redo"
	}
	return "undo"
}
