package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/zlnvch/inkroom/models"
)

const (
	// MemberTTL bounds how long a crashed instance's connections keep a
	// room occupied. Live connections are refreshed well within it.
	MemberTTL             = 90 * time.Second
	MemberRefreshInterval = 30 * time.Second
)

// roomMember is one connection as recorded in the shared membership set.
type roomMember struct {
	Instance   string          `json:"instance"`
	Connection string          `json:"connection"`
	Identity   models.Identity `json:"identity"`
}

func (s *Service) memberOf(connId string, identity models.Identity) string {
	// Strings only, so marshalling cannot fail
	b, _ := json.Marshal(roomMember{Instance: s.InstanceId, Connection: connId, Identity: identity})
	return string(b)
}

// EnterRoom records the connection in the room's membership shared by all
// instances. Calling it again refreshes the entry's deadline.
func (s *Service) EnterRoom(ctx context.Context, roomId string, connId string, identity models.Identity) error {
	if err := s.Cache.AddRoomMember(ctx, roomId, s.memberOf(connId, identity), MemberTTL); err != nil {
		return InternalError(fmt.Errorf("failed to record member of room %s: %w", roomId, err))
	}
	return nil
}

// ExitRoom removes the connection and reports whether the room is now empty
// on every instance.
func (s *Service) ExitRoom(ctx context.Context, roomId string, connId string, identity models.Identity) (bool, error) {
	remaining, err := s.Cache.RemoveRoomMember(ctx, roomId, s.memberOf(connId, identity))
	if err != nil {
		return false, InternalError(fmt.Errorf("failed to remove member of room %s: %w", roomId, err))
	}
	return remaining == 0, nil
}

// Roster returns the identities connected to the room on any instance, one
// entry per identity, ordered by id.
func (s *Service) Roster(ctx context.Context, roomId string) ([]models.Identity, error) {
	members, err := s.Cache.RoomMembers(ctx, roomId)
	if err != nil {
		return nil, InternalError(fmt.Errorf("failed to read members of room %s: %w", roomId, err))
	}

	seen := make(map[string]struct{}, len(members))
	roster := make([]models.Identity, 0, len(members))
	for _, raw := range members {
		var m roomMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			log.Printf("Ignoring malformed member of room %s: %v", roomId, err)
			continue
		}
		if _, ok := seen[m.Identity.Id]; ok {
			continue
		}
		seen[m.Identity.Id] = struct{}{}
		roster = append(roster, m.Identity)
	}
	slices.SortFunc(roster, func(a, b models.Identity) int {
		return strings.Compare(a.Id, b.Id)
	})
	return roster, nil
}

// PublishRoster broadcasts the room's roster on the room channel, so members
// on every instance receive it.
func (s *Service) PublishRoster(ctx context.Context, roomId string) {
	roster, err := s.Roster(ctx, roomId)
	if err != nil {
		log.Printf("Roster of room %s not published: %v", roomId, err)
		return
	}
	s.Broadcast(ctx, roomId, models.Event{
		Type: models.EventRosterChanged,
		Data: RosterChangedData{RoomId: roomId, Identities: roster},
	})
}

func (s *Service) roomOccupied(ctx context.Context, roomId string) (bool, error) {
	members, err := s.Cache.RoomMembers(ctx, roomId)
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}
