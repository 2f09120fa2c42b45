package service

import (
	"context"
	"log"

	"github.com/zlnvch/inkroom/models"
)

// Authorize looks the identity's role up on every call. Nothing is cached so
// a promotion or demotion applies to the very next request.
func (s *Service) Authorize(ctx context.Context, roomId string, identityId string, required models.Role) error {
	if identityId == "" {
		return AuthenticationError("authentication required", nil)
	}

	wb, err := s.Store.GetWhiteboard(ctx, roomId)
	if err != nil {
		return fromStore(err, "whiteboard")
	}

	if wb.RoleOf(identityId) < required {
		log.Printf("Denied %s on board %s: role %s below %s", identityId, roomId, wb.RoleOf(identityId), required)
		return AuthorizationError("you do not have permission to perform this action")
	}
	return nil
}
