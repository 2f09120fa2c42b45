package service

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zlnvch/inkroom/blob"
	"github.com/zlnvch/inkroom/cache"
	"github.com/zlnvch/inkroom/mq"
	"github.com/zlnvch/inkroom/raster"
	"github.com/zlnvch/inkroom/store"
)

const (
	defaultCompactionTimeout = 2 * time.Minute
	roomLockStripes          = 64
)

// Presence is the part of the session registry the service needs.
type Presence interface {
	IsEmpty(roomId string) bool
}

// LocalDeliverer hands an event to this process's connections directly.
// It is used when the broadcast channel is unavailable.
type LocalDeliverer interface {
	DeliverLocal(roomId string, message []byte)
}

type Service struct {
	Store     store.BoardStore
	Cache     cache.BoardCache
	MQ        mq.MessageQueue
	Blobs     blob.BlobStore
	Presence  Presence
	Renderer  *raster.Renderer
	JWTSecret []byte

	// InstanceId tags the distributed compaction lock.
	InstanceId        string
	CompactionTimeout time.Duration

	local      LocalDeliverer
	compacting singleflight.Group
	roomLocks  [roomLockStripes]sync.Mutex
}

func NewService(
	store store.BoardStore,
	cache cache.BoardCache,
	mq mq.MessageQueue,
	blobs blob.BlobStore,
	renderer *raster.Renderer,
	jwtSecret []byte,
	instanceId string,
) *Service {
	return &Service{
		Store:             store,
		Cache:             cache,
		MQ:                mq,
		Blobs:             blobs,
		Renderer:          renderer,
		JWTSecret:         jwtSecret,
		InstanceId:        instanceId,
		CompactionTimeout: defaultCompactionTimeout,
	}
}

// AttachPresence wires the registry and local delivery once the hub exists.
// The hub depends on the service, so this cannot happen in NewService.
func (s *Service) AttachPresence(p Presence, local LocalDeliverer) {
	s.Presence = p
	s.local = local
}

// lockRoom serialises log mutations of one room within this process so that
// events are published in log order.
func (s *Service) lockRoom(roomId string) func() {
	h := fnv.New32a()
	h.Write([]byte(roomId))
	m := &s.roomLocks[h.Sum32()%roomLockStripes]
	m.Lock()
	return m.Unlock
}
