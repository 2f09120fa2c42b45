package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/store"
)

// DynamoBoardStore keeps every board in a single table. The board item
// (BOARD#<id>, META) carries the log cursor; actions live under their own
// partition per epoch (LOG#<id>#<epoch>) so a committed snapshot retires the
// whole log by bumping LogEpoch.
type DynamoBoardStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoBoardStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoBoardStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := getTables(client, ctx)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tables, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoBoardStore{client: client, tableName: tableName}, nil
}

// PutWhiteboard creates the board item. Used for seeding; board metadata is
// otherwise owned by an external service.
func (dynamoStore *DynamoBoardStore) PutWhiteboard(ctx context.Context, wb models.Whiteboard) error {
	db := boardToDynamo(wb)
	if db.Created == 0 {
		db.Created = time.Now().Unix()
	}
	return putItemIfAbsent(dynamoStore, ctx, db)
}

func (dynamoStore *DynamoBoardStore) GetWhiteboard(ctx context.Context, boardId string) (models.Whiteboard, error) {
	db, err := getItem[dynamoBoard](dynamoStore, ctx, boardPK(boardId), metaSK, true)
	if err != nil {
		return models.Whiteboard{}, err
	}
	return boardFromDynamo(db), nil
}

func (dynamoStore *DynamoBoardStore) GetActionLog(ctx context.Context, boardId string) (models.ActionLog, error) {
	// Cursor first: anything appended after this read is cut off below, and
	// any flip after it moves the version so conditional writes fail.
	wb, err := dynamoStore.GetWhiteboard(ctx, boardId)
	if err != nil {
		return models.ActionLog{}, err
	}

	items, err := queryAllByPK[dynamoAction](dynamoStore, ctx, logPK(boardId, wb.Cursor.Epoch), true)
	if err != nil {
		return models.ActionLog{}, err
	}

	actions := make([]models.Action, 0, len(items))
	for _, item := range items {
		if item.Index >= wb.Cursor.Seq {
			break
		}
		actions = append(actions, actionFromDynamo(item))
	}

	return models.ActionLog{BoardId: boardId, Cursor: wb.Cursor, Actions: actions}, nil
}

func (dynamoStore *DynamoBoardStore) AppendAction(ctx context.Context, boardId string, action models.Action) (models.Action, error) {
	wb, err := dynamoStore.GetWhiteboard(ctx, boardId)
	if err != nil {
		return models.Action{}, err
	}
	cursor := wb.Cursor

	action.Index = cursor.Seq
	action.Undone = false
	avMap, err := attributevalue.MarshalMap(actionToDynamo(boardId, cursor.Epoch, action))
	if err != nil {
		return models.Action{}, fmt.Errorf("marshal error: %w", err)
	}

	err = transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:           aws.String(dynamoStore.tableName),
				Key:                 itemKey(boardPK(boardId), metaSK),
				UpdateExpression:    aws.String("SET LogSeq = :next, LogVersion = LogVersion + :one"),
				ConditionExpression: aws.String("LogSeq = :seq AND LogEpoch = :epoch"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":next":  numberValue(cursor.Seq + 1),
					":one":   numberValue(1),
					":seq":   numberValue(cursor.Seq),
					":epoch": numberValue(cursor.Epoch),
				},
			},
		},
		{
			Put: &types.Put{
				TableName:           aws.String(dynamoStore.tableName),
				Item:                avMap,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
	})
	if err != nil {
		return models.Action{}, err
	}

	return action, nil
}

func (dynamoStore *DynamoBoardStore) SetActionUndone(ctx context.Context, boardId string, index int64, undone bool, expected models.LogCursor) error {
	return transactWrite(dynamoStore, ctx, []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:           aws.String(dynamoStore.tableName),
				Key:                 itemKey(boardPK(boardId), metaSK),
				UpdateExpression:    aws.String("SET LogVersion = LogVersion + :one"),
				ConditionExpression: aws.String("LogVersion = :version AND LogEpoch = :epoch"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one":     numberValue(1),
					":version": numberValue(expected.Version),
					":epoch":   numberValue(expected.Epoch),
				},
			},
		},
		{
			Update: &types.Update{
				TableName:           aws.String(dynamoStore.tableName),
				Key:                 itemKey(logPK(boardId, expected.Epoch), logSK(index)),
				UpdateExpression:    aws.String("SET Undone = :undone"),
				ConditionExpression: aws.String("attribute_exists(PK) AND Undone = :prev"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":undone": &types.AttributeValueMemberBOOL{Value: undone},
					":prev":   &types.AttributeValueMemberBOOL{Value: !undone},
				},
			},
		},
	})
}

func (dynamoStore *DynamoBoardStore) CommitSnapshot(ctx context.Context, boardId string, snapshotRef string, expected models.LogCursor) error {
	_, err := dynamoStore.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(dynamoStore.tableName),
		Key:       itemKey(boardPK(boardId), metaSK),
		UpdateExpression: aws.String(
			"SET SnapshotRef = :ref, LogEpoch = LogEpoch + :one, LogSeq = :zero, LogVersion = LogVersion + :one",
		),
		ConditionExpression: aws.String("LogEpoch = :epoch AND LogVersion = :version"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref":     &types.AttributeValueMemberS{Value: snapshotRef},
			":one":     numberValue(1),
			":zero":    numberValue(0),
			":epoch":   numberValue(expected.Epoch),
			":version": numberValue(expected.Version),
		},
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return store.ErrConditionFailed
		}
		return fmt.Errorf("commit snapshot failed: %w", err)
	}
	return nil
}

func (dynamoStore *DynamoBoardStore) PurgeLogEpoch(ctx context.Context, boardId string, epoch int64) (int, error) {
	wb, err := dynamoStore.GetWhiteboard(ctx, boardId)
	if err != nil {
		return 0, err
	}
	if epoch >= wb.Cursor.Epoch {
		return 0, fmt.Errorf("epoch %d of board %s is not retired", epoch, boardId)
	}

	return batchDeleteByPKThrottled(dynamoStore, ctx, logPK(boardId, epoch), 50*time.Millisecond)
}
