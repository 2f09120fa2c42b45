package models

import "encoding/json"

type Identity struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	default:
		return "none"
	}
}

func ParseRole(s string) Role {
	switch s {
	case "viewer":
		return RoleViewer
	case "editor":
		return RoleEditor
	default:
		return RoleNone
	}
}

type Annotator struct {
	IdentityId string
	Role       Role
}

// LogCursor identifies the state of a board's action log at a point in time.
// Epoch changes only when a snapshot is committed. Seq is the number of
// actions appended in the current epoch, so the next action gets Index == Seq.
// Version moves on every log mutation.
type LogCursor struct {
	Epoch   int64
	Seq     int64
	Version int64
}

type Whiteboard struct {
	Id           string
	OwnerId      string
	Title        string
	Annotators   []Annotator
	PublicAccess bool
	SnapshotRef  string
	Cursor       LogCursor
	Created      int64
}

// RoleOf returns the role the identity holds on the board. Board creation
// seeds the owner as an editor annotator, so the annotator list is the only
// source consulted.
func (wb Whiteboard) RoleOf(identityId string) Role {
	if identityId == "" {
		return RoleNone
	}
	for _, a := range wb.Annotators {
		if a.IdentityId == identityId {
			return a.Role
		}
	}
	return RoleNone
}

type ActionType string

const (
	ActionPen             ActionType = "pen"
	ActionEraser          ActionType = "eraser"
	ActionRectangle       ActionType = "rectangle"
	ActionFilledRectangle ActionType = "filledRectangle"
	ActionCircle          ActionType = "circle"
	ActionFilledCircle    ActionType = "filledCircle"
	ActionText            ActionType = "text"
	ActionClear           ActionType = "clear"
)

type Action struct {
	Id        string          `json:"id"`
	Index     int64           `json:"index"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AuthorId  string          `json:"authorId"`
	Timestamp int64           `json:"timestamp"`
	Undone    bool            `json:"undone"`
}

type ActionLog struct {
	BoardId string
	Cursor  LogCursor
	Actions []Action
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type StrokePayload struct {
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
	Points []Point `json:"points"`
}

type RectanglePayload struct {
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type CirclePayload struct {
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

type TextPayload struct {
	Text     string  `json:"text"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Color    string  `json:"color"`
	FontSize float64 `json:"fontSize"`
}

// Event is the envelope shared by the broadcast channel and the websocket wire format.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	EventHistory       = "history"
	EventActionAdded   = "actionAppended"
	EventActionUndone  = "actionUndone"
	EventActionRedone  = "actionRedone"
	EventCleared       = "cleared"
	EventRosterChanged = "rosterChanged"
	EventHistoryReset  = "historyReset"
	EventError         = "error"
)

type JobKind string

const (
	JobCompact JobKind = "compact"
	JobPurge   JobKind = "purge"
)

// CompactionJob is the queue message for deferred compaction work.
type CompactionJob struct {
	Kind   JobKind `json:"kind"`
	RoomId string  `json:"roomId"`
	Epoch  int64   `json:"epoch"`
}
