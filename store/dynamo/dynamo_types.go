package dynamo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zlnvch/inkroom/models"
)

const (
	boardPrefix = "BOARD#"
	logPrefix   = "LOG#"
	metaSK      = "META"
)

func boardPK(boardId string) string {
	return boardPrefix + boardId
}

func logPK(boardId string, epoch int64) string {
	return logPrefix + boardId + "#" + strconv.FormatInt(epoch, 10)
}

// Zero padded so the string sort key orders like the integer index.
func logSK(index int64) string {
	return fmt.Sprintf("%012d", index)
}

type dynamoAnnotator struct {
	UserId string `dynamodbav:"UserId"`
	Role   string `dynamodbav:"Role"`
}

type dynamoBoard struct {
	PK           string            `dynamodbav:"PK"`
	SK           string            `dynamodbav:"SK"`
	OwnerId      string            `dynamodbav:"OwnerId"`
	Title        string            `dynamodbav:"Title"`
	PublicAccess bool              `dynamodbav:"PublicAccess"`
	Annotators   []dynamoAnnotator `dynamodbav:"Annotators"`
	SnapshotRef  string            `dynamodbav:"SnapshotRef"`
	LogEpoch     int64             `dynamodbav:"LogEpoch"`
	LogSeq       int64             `dynamodbav:"LogSeq"`
	LogVersion   int64             `dynamodbav:"LogVersion"`
	Created      int64             `dynamodbav:"Created"`
}

// Map domain Whiteboard -> Dynamo
func boardToDynamo(wb models.Whiteboard) dynamoBoard {
	annotators := make([]dynamoAnnotator, 0, len(wb.Annotators))
	for _, a := range wb.Annotators {
		annotators = append(annotators, dynamoAnnotator{UserId: a.IdentityId, Role: a.Role.String()})
	}

	return dynamoBoard{
		PK:           boardPK(wb.Id),
		SK:           metaSK,
		OwnerId:      wb.OwnerId,
		Title:        wb.Title,
		PublicAccess: wb.PublicAccess,
		Annotators:   annotators,
		SnapshotRef:  wb.SnapshotRef,
		LogEpoch:     wb.Cursor.Epoch,
		LogSeq:       wb.Cursor.Seq,
		LogVersion:   wb.Cursor.Version,
		Created:      wb.Created,
	}
}

// Map Dynamo -> domain Whiteboard
func boardFromDynamo(db dynamoBoard) models.Whiteboard {
	annotators := make([]models.Annotator, 0, len(db.Annotators))
	for _, a := range db.Annotators {
		annotators = append(annotators, models.Annotator{IdentityId: a.UserId, Role: models.ParseRole(a.Role)})
	}

	return models.Whiteboard{
		Id:           strings.TrimPrefix(db.PK, boardPrefix),
		OwnerId:      db.OwnerId,
		Title:        db.Title,
		Annotators:   annotators,
		PublicAccess: db.PublicAccess,
		SnapshotRef:  db.SnapshotRef,
		Cursor: models.LogCursor{
			Epoch:   db.LogEpoch,
			Seq:     db.LogSeq,
			Version: db.LogVersion,
		},
		Created: db.Created,
	}
}

type dynamoAction struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	ActionId   string `dynamodbav:"ActionId"`
	Index      int64  `dynamodbav:"ActionIndex"`
	ActionType string `dynamodbav:"ActionType"`
	Payload    []byte `dynamodbav:"Payload"`
	AuthorId   string `dynamodbav:"AuthorId"`
	Timestamp  int64  `dynamodbav:"Timestamp"`
	Undone     bool   `dynamodbav:"Undone"`
}

// Map domain Action -> Dynamo
func actionToDynamo(boardId string, epoch int64, a models.Action) dynamoAction {
	return dynamoAction{
		PK:         logPK(boardId, epoch),
		SK:         logSK(a.Index),
		ActionId:   a.Id,
		Index:      a.Index,
		ActionType: string(a.Type),
		Payload:    a.Payload,
		AuthorId:   a.AuthorId,
		Timestamp:  a.Timestamp,
		Undone:     a.Undone,
	}
}

// Map Dynamo -> domain Action
func actionFromDynamo(da dynamoAction) models.Action {
	return models.Action{
		Id:        da.ActionId,
		Index:     da.Index,
		Type:      models.ActionType(da.ActionType),
		Payload:   da.Payload,
		AuthorId:  da.AuthorId,
		Timestamp: da.Timestamp,
		Undone:    da.Undone,
	}
}
