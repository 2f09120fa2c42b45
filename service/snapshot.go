package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zlnvch/inkroom/blob"
	"github.com/zlnvch/inkroom/models"
)

// Snapshot returns the current base raster of a board and its ref.
func (s *Service) Snapshot(ctx context.Context, roomId string) (string, []byte, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return "", nil, err
	}

	wb, err := s.Store.GetWhiteboard(ctx, roomId)
	if err != nil {
		return "", nil, fromStore(err, "whiteboard")
	}
	if wb.SnapshotRef == "" {
		return "", nil, NotFoundError("whiteboard has no snapshot yet")
	}

	data, err := s.Blobs.Get(ctx, wb.SnapshotRef)
	if err != nil {
		if errors.Is(err, blob.ErrBlobNotFound) {
			log.Printf("Snapshot %s of board %s is missing from blob storage", wb.SnapshotRef, roomId)
		}
		return "", nil, InternalError(fmt.Errorf("failed to load snapshot %s: %w", wb.SnapshotRef, err))
	}
	return wb.SnapshotRef, data, nil
}

// RequestCompaction is the administrative re-run of CompactRoom. Only the
// board owner may ask for it.
func (s *Service) RequestCompaction(ctx context.Context, identity models.Identity, roomId string) (CompactionResult, error) {
	if err := ValidateRoomId(roomId); err != nil {
		return CompactionResult{}, err
	}

	wb, err := s.Store.GetWhiteboard(ctx, roomId)
	if err != nil {
		return CompactionResult{}, fromStore(err, "whiteboard")
	}
	if identity.Id == "" || wb.OwnerId != identity.Id {
		log.Printf("Denied compaction of board %s to %s: not the owner", roomId, identity.Id)
		return CompactionResult{}, AuthorizationError("only the board owner can compact it")
	}

	return s.CompactRoom(ctx, roomId)
}
