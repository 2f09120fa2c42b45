package history_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zlnvch/inkroom/history"
	"github.com/zlnvch/inkroom/models"
)

func newLog(types ...models.ActionType) []models.Action {
	actions := make([]models.Action, 0, len(types))
	for i, t := range types {
		actions = append(actions, models.Action{
			Id:    string(rune('A' + i)),
			Index: int64(i),
			Type:  t,
		})
	}
	return actions
}

func undoneFlags(actions []models.Action) []bool {
	flags := make([]bool, len(actions))
	for i, a := range actions {
		flags[i] = a.Undone
	}
	return flags
}

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		state history.State
		event history.Event
		want  history.State
		ok    bool
	}{
		{"undo active", history.Active, history.Undo, history.Undone, true},
		{"redo undone", history.Undone, history.Redo, history.Active, true},
		{"undo undone", history.Undone, history.Undo, history.Undone, false},
		{"redo active", history.Active, history.Redo, history.Active, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := history.Next(tt.state, tt.event)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestUndoRedo_LiteralOrder(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionPen, models.ActionPen)

	a, ok := history.Apply(actions, history.Undo)
	assert.True(t, ok)
	assert.Equal(t, int64(2), a.Index)

	a, ok = history.Apply(actions, history.Undo)
	assert.True(t, ok)
	assert.Equal(t, int64(1), a.Index)
	assert.Equal(t, []bool{false, true, true}, undoneFlags(actions))

	// Redo picks the largest undone index, so C comes back before B.
	a, ok = history.Apply(actions, history.Redo)
	assert.True(t, ok)
	assert.Equal(t, int64(2), a.Index)
	assert.Equal(t, []bool{false, true, false}, undoneFlags(actions))

	a, ok = history.Apply(actions, history.Redo)
	assert.True(t, ok)
	assert.Equal(t, int64(1), a.Index)
	assert.Equal(t, []bool{false, false, false}, undoneFlags(actions))
}

func TestUndo_EmptyLog(t *testing.T) {
	_, ok := history.SelectUndo(nil)
	assert.False(t, ok)

	_, ok = history.Apply([]models.Action{}, history.Undo)
	assert.False(t, ok)
}

func TestUndo_AllUndone(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionText)
	actions[0].Undone = true
	actions[1].Undone = true

	_, ok := history.SelectUndo(actions)
	assert.False(t, ok)
	assert.Equal(t, []bool{true, true}, undoneFlags(actions))
}

func TestRedo_NothingUndone(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionCircle)

	_, ok := history.Apply(actions, history.Redo)
	assert.False(t, ok)
	assert.Equal(t, []bool{false, false}, undoneFlags(actions))
}

func TestSelectUndo_SkipsUndoneTail(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionPen, models.ActionPen)
	actions[2].Undone = true

	pos, ok := history.SelectUndo(actions)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestVisible_NoClear(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionRectangle, models.ActionText)
	actions[1].Undone = true

	ids, baseVisible := history.VisibleIds(actions)
	assert.True(t, baseVisible)
	assert.Equal(t, []string{"A", "C"}, ids)
}

func TestVisible_ClearHidesEarlierActions(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionClear, models.ActionPen)

	ids, baseVisible := history.VisibleIds(actions)
	assert.False(t, baseVisible)
	assert.Equal(t, []string{"B", "C"}, ids)
}

func TestVisible_UndoingClearReexposes(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionClear, models.ActionPen)

	// Undo B first, then the clear.
	a, ok := history.Apply(actions, history.Undo)
	assert.True(t, ok)
	assert.Equal(t, "C", a.Id)

	ids, baseVisible := history.VisibleIds(actions)
	assert.False(t, baseVisible)
	assert.Equal(t, []string{"B"}, ids)

	a, ok = history.Apply(actions, history.Undo)
	assert.True(t, ok)
	assert.Equal(t, models.ActionClear, a.Type)

	ids, baseVisible = history.VisibleIds(actions)
	assert.True(t, baseVisible)
	assert.Equal(t, []string{"A"}, ids)
}

func TestVisible_UsesLastActiveClear(t *testing.T) {
	actions := newLog(models.ActionPen, models.ActionClear, models.ActionPen, models.ActionClear, models.ActionPen)
	actions[3].Undone = true

	ids, baseVisible := history.VisibleIds(actions)
	assert.False(t, baseVisible)
	assert.Equal(t, []string{"B", "C", "E"}, ids)
}
