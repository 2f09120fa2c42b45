package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"

	"github.com/zlnvch/inkroom/models"
)

type HistoryData struct {
	RoomId      string          `json:"roomId"`
	SnapshotUrl string          `json:"snapshotUrl"`
	Actions     []models.Action `json:"actions"`
	Visible     []string        `json:"visible"`
	BaseVisible bool            `json:"baseVisible"`
}

type ActionAppendedData struct {
	RoomId string        `json:"roomId"`
	Action models.Action `json:"action"`
}

type ActionUndoneData struct {
	RoomId   string `json:"roomId"`
	ActionId string `json:"actionId"`
	Index    int64  `json:"index"`
}

type ActionRedoneData struct {
	RoomId string        `json:"roomId"`
	Action models.Action `json:"action"`
}

type ClearedData struct {
	RoomId string        `json:"roomId"`
	Action models.Action `json:"action"`
}

type RosterChangedData struct {
	RoomId     string            `json:"roomId"`
	Identities []models.Identity `json:"identities"`
}

type HistoryResetData struct {
	RoomId      string `json:"roomId"`
	SnapshotUrl string `json:"snapshotUrl"`
}

type ErrorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Request string    `json:"request,omitempty"`
}

func RoomChannel(roomId string) string {
	return "room:" + roomId
}

// SnapshotUrl is where clients fetch the base raster. The ref is part of the
// query so a new snapshot never hits a stale browser cache.
func SnapshotUrl(roomId string, ref string) string {
	if ref == "" {
		return ""
	}
	return fmt.Sprintf("/boards/%s/snapshot?v=%s", url.PathEscape(roomId), url.QueryEscape(ref))
}

// Broadcast publishes event to every connection in the room across all
// instances. If the channel is down, connections on this instance still get it.
func (s *Service) Broadcast(ctx context.Context, roomId string, event models.Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	if err := s.Cache.Publish(ctx, RoomChannel(roomId), msg); err != nil {
		log.Printf("Failed to publish %s to room %s: %v", event.Type, roomId, err)
		if s.local != nil {
			s.local.DeliverLocal(roomId, msg)
		}
		return err
	}
	return nil
}
