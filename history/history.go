// Package history holds the undo/redo rules for a board's action log.
//
// Every action is in one of two states. Undo and redo move exactly one
// action between them, chosen by index alone: undo takes the newest active
// action, redo takes the newest undone action. Author is never considered.
package history

import "github.com/zlnvch/inkroom/models"

type State int

const (
	Active State = iota
	Undone
)

func (s State) String() string {
	if s == Undone {
		return "undone"
	}
	return "active"
}

type Event int

const (
	Undo Event = iota
	Redo
)

func StateOf(action models.Action) State {
	if action.Undone {
		return Undone
	}
	return Active
}

// Next returns the state reached by applying event to state. The second
// return value is false when the event is not valid in that state.
func Next(state State, event Event) (State, bool) {
	switch {
	case state == Active && event == Undo:
		return Undone, true
	case state == Undone && event == Redo:
		return Active, true
	default:
		return state, false
	}
}

// Select returns the position in actions of the entry event applies to:
// the largest position whose state accepts the event. ok is false when no
// entry qualifies, which callers treat as a no-op.
func Select(actions []models.Action, event Event) (pos int, ok bool) {
	for i := len(actions) - 1; i >= 0; i-- {
		if _, valid := Next(StateOf(actions[i]), event); valid {
			return i, true
		}
	}
	return -1, false
}

func SelectUndo(actions []models.Action) (int, bool) {
	return Select(actions, Undo)
}

func SelectRedo(actions []models.Action) (int, bool) {
	return Select(actions, Redo)
}

// Apply transitions the selected entry in place and returns a copy of it
// with the new state.
func Apply(actions []models.Action, event Event) (models.Action, bool) {
	pos, ok := Select(actions, event)
	if !ok {
		return models.Action{}, false
	}
	next, _ := Next(StateOf(actions[pos]), event)
	actions[pos].Undone = next == Undone
	return actions[pos], true
}

// Visible applies the reconstruction rule: drop everything before the last
// active clear, then keep active actions in log order. baseVisible reports
// whether the base snapshot is still underneath. The clear itself is kept
// so renderers can paint the background over the base.
func Visible(actions []models.Action) (visible []models.Action, baseVisible bool) {
	start := 0
	baseVisible = true
	for i := len(actions) - 1; i >= 0; i-- {
		if actions[i].Type == models.ActionClear && !actions[i].Undone {
			start = i
			baseVisible = false
			break
		}
	}

	visible = make([]models.Action, 0, len(actions)-start)
	for _, a := range actions[start:] {
		if !a.Undone {
			visible = append(visible, a)
		}
	}
	return visible, baseVisible
}

func VisibleIds(actions []models.Action) ([]string, bool) {
	visible, baseVisible := Visible(actions)
	ids := make([]string, 0, len(visible))
	for _, a := range visible {
		ids = append(ids, a.Id)
	}
	return ids, baseVisible
}
