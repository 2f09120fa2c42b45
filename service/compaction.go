package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zeebo/blake3"

	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/store"
)

const (
	snapshotContentType = "image/png"
	compactRetryDelay   = 30 * time.Second
)

type CompactionResult struct {
	RoomId string
	// Compacted is false when the log was already empty.
	Compacted   bool
	SnapshotRef string
	Epoch       int64
	Folded      int
	Skipped     int
}

func compactLockKey(roomId string) string {
	return "compact:" + roomId
}

// SnapshotKey is content addressed, so a committed ref always names exactly
// the bytes that were rendered for it.
func SnapshotKey(roomId string, epoch int64, png []byte) string {
	sum := blake3.Sum256(png)
	return fmt.Sprintf("boards/%s/%d-%s.png", roomId, epoch, hex.EncodeToString(sum[:16]))
}

// CompactRoom folds the room's log into a new base snapshot. The room must be
// empty on every instance. Only one compaction per room runs at a time:
// singleflight within the process and a Redis lock across processes.
func (s *Service) CompactRoom(ctx context.Context, roomId string) (CompactionResult, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return CompactionResult{}, err
	}
	if s.Presence != nil && !s.Presence.IsEmpty(roomId) {
		return CompactionResult{}, ConflictError("room has members, compaction deferred", nil)
	}

	v, err, shared := s.compacting.Do(roomId, func() (any, error) {
		return s.compact(ctx, roomId)
	})
	if shared {
		log.Printf("Compaction of room %s shared with a concurrent caller", roomId)
	}
	if err != nil {
		return CompactionResult{}, err
	}
	return v.(CompactionResult), nil
}

func (s *Service) compact(ctx context.Context, roomId string) (CompactionResult, error) {
	lockKey := compactLockKey(roomId)
	acquired, err := s.Cache.AcquireLock(ctx, lockKey, s.InstanceId, s.compactionTimeout())
	if err != nil {
		return CompactionResult{}, InternalError(fmt.Errorf("failed to acquire compaction lock: %w", err))
	}
	if !acquired {
		return CompactionResult{}, ConflictError("compaction already running", nil)
	}
	defer func() {
		if err := s.Cache.ReleaseLock(context.Background(), lockKey, s.InstanceId); err != nil {
			log.Printf("Failed to release compaction lock for room %s: %v", roomId, err)
		}
	}()

	// Joins on other instances only show up in the shared membership
	occupied, err := s.roomOccupied(ctx, roomId)
	if err != nil {
		return CompactionResult{}, InternalError(fmt.Errorf("failed to read members of room %s: %w", roomId, err))
	}
	if occupied {
		return CompactionResult{}, ConflictError("room has members, compaction deferred", nil)
	}

	wb, err := s.Store.GetWhiteboard(ctx, roomId)
	if err != nil {
		return CompactionResult{}, fromStore(err, "whiteboard")
	}
	actionLog, err := s.Store.GetActionLog(ctx, roomId)
	if err != nil {
		return CompactionResult{}, fromStore(err, "whiteboard")
	}
	if actionLog.Cursor.Epoch != wb.Cursor.Epoch {
		return CompactionResult{}, ConflictError("whiteboard changed during compaction", nil)
	}

	result := CompactionResult{RoomId: roomId, SnapshotRef: wb.SnapshotRef, Epoch: actionLog.Cursor.Epoch}
	if len(actionLog.Actions) == 0 {
		return result, nil
	}

	var base []byte
	if wb.SnapshotRef != "" {
		base, err = s.Blobs.Get(ctx, wb.SnapshotRef)
		if err != nil {
			return CompactionResult{}, InternalError(fmt.Errorf("failed to load base snapshot %s: %w", wb.SnapshotRef, err))
		}
	}

	rendered, err := s.Renderer.Render(base, actionLog.Actions)
	if err != nil {
		return CompactionResult{}, InternalError(fmt.Errorf("failed to render room %s: %w", roomId, err))
	}
	if rendered.Skipped > 0 {
		log.Printf("Compaction of room %s skipped %d malformed actions", roomId, rendered.Skipped)
	}

	key := SnapshotKey(roomId, actionLog.Cursor.Epoch, rendered.PNG)
	if err := s.Blobs.Put(ctx, key, rendered.PNG, snapshotContentType); err != nil {
		return CompactionResult{}, InternalError(fmt.Errorf("failed to store snapshot: %w", err))
	}

	if err := s.Store.CommitSnapshot(ctx, roomId, key, actionLog.Cursor); err != nil {
		if delErr := s.Blobs.Delete(context.Background(), key); delErr != nil {
			log.Printf("Failed to delete orphaned snapshot %s: %v", key, delErr)
		}
		if errors.Is(err, store.ErrConditionFailed) {
			return CompactionResult{}, ConflictError("whiteboard changed during compaction", err)
		}
		return CompactionResult{}, fromStore(err, "whiteboard")
	}

	retired := actionLog.Cursor.Epoch
	log.Printf("Compacted room %s: folded %d actions of epoch %d into %s", roomId, len(actionLog.Actions), retired, key)

	if err := s.enqueueJob(ctx, models.CompactionJob{Kind: models.JobPurge, RoomId: roomId, Epoch: retired}, 0); err != nil {
		log.Printf("Purging room %s epoch %d inline, not queued: %v", roomId, retired, err)
		if _, err := s.PurgeEpoch(ctx, roomId, retired); err != nil {
			log.Printf("Failed to purge room %s epoch %d: %v", roomId, retired, err)
		}
	}
	if wb.SnapshotRef != "" && wb.SnapshotRef != key {
		if err := s.Blobs.Delete(ctx, wb.SnapshotRef); err != nil {
			log.Printf("Failed to delete previous snapshot %s: %v", wb.SnapshotRef, err)
		}
	}

	s.Broadcast(ctx, roomId, models.Event{
		Type: models.EventHistoryReset,
		Data: HistoryResetData{RoomId: roomId, SnapshotUrl: SnapshotUrl(roomId, key)},
	})

	return CompactionResult{
		RoomId:      roomId,
		Compacted:   true,
		SnapshotRef: key,
		Epoch:       retired + 1,
		Folded:      len(actionLog.Actions),
		Skipped:     rendered.Skipped,
	}, nil
}

// TriggerCompaction runs CompactRoom in the background once a room empties.
// Internal failures leave the board untouched and queue a retry.
func (s *Service) TriggerCompaction(roomId string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.compactionTimeout())
		defer cancel()

		_, err := s.CompactRoom(ctx, roomId)
		if err == nil {
			return
		}
		if CodeOf(err) != CodeInternal {
			log.Printf("Compaction of room %s not run: %v", roomId, err)
			return
		}

		log.Printf("Compaction of room %s failed: %v", roomId, err)
		job := models.CompactionJob{Kind: models.JobCompact, RoomId: roomId}
		if err := s.enqueueJob(context.Background(), job, compactRetryDelay); err != nil {
			log.Printf("Failed to enqueue compaction retry for room %s: %v", roomId, err)
		}
	}()
}

// PurgeEpoch removes the log entries of an epoch retired by a committed snapshot.
func (s *Service) PurgeEpoch(ctx context.Context, roomId string, epoch int64) (int, error) {
	deleted, err := s.Store.PurgeLogEpoch(ctx, roomId, epoch)
	if err != nil {
		return deleted, fromStore(err, "log epoch")
	}
	if deleted > 0 {
		log.Printf("Purged %d actions of room %s epoch %d", deleted, roomId, epoch)
	}
	return deleted, nil
}

func (s *Service) enqueueJob(ctx context.Context, job models.CompactionJob, delay time.Duration) error {
	if s.MQ == nil {
		return errors.New("no compaction queue configured")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.MQ.Send(ctx, string(body), delay)
}

func (s *Service) compactionTimeout() time.Duration {
	if s.CompactionTimeout > 0 {
		return s.CompactionTimeout
	}
	return defaultCompactionTimeout
}
