package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/mq"
	"github.com/zlnvch/inkroom/service"
)

// Compactor is the slice of the service the consumer drives.
type Compactor interface {
	CompactRoom(ctx context.Context, roomId string) (service.CompactionResult, error)
	PurgeEpoch(ctx context.Context, roomId string, epoch int64) (int, error)
}

type MQConsumer struct {
	compactionQueue mq.MessageQueue
	compactor       Compactor
}

func NewMQConsumer(compactionQueue mq.MessageQueue, compactor Compactor) *MQConsumer {
	return &MQConsumer{
		compactionQueue: compactionQueue,
		compactor:       compactor,
	}
}

// Allow up to 5 minutes for a render plus the throttled purge of a long log
const visibilityTimeout = 300

// Messages that keep failing are dropped after this many deliveries.
const maxReceiveCount = 5

func (mqConsumer MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.compactionQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("mqConsumer receive error: %v", err)
			continue
		}

		if msg == nil {
			continue
		}

		if mqConsumer.Handle(msg) {
			if err := mqConsumer.compactionQueue.Delete(context.Background(), msg); err != nil {
				log.Printf("mqConsumer delete error: %v", err)
			}
		}
	}
}

// Handle processes one message and reports whether it is finished with and
// can be deleted. Anything left undeleted is redelivered after the
// visibility timeout.
func (mqConsumer MQConsumer) Handle(msg *mq.Message) bool {
	var job models.CompactionJob
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil || job.RoomId == "" {
		log.Printf("mqConsumer dropping malformed message %s", msg.Id)
		return true
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	var err error
	switch job.Kind {
	case models.JobCompact:
		_, err = mqConsumer.compactor.CompactRoom(ctx, job.RoomId)
		if err != nil && service.CodeOf(err) != service.CodeInternal {
			// Room is occupied again or another instance is on it; the next
			// emptying triggers a fresh run.
			log.Printf("Compaction retry for room %s not needed: %v", job.RoomId, err)
			return true
		}
	case models.JobPurge:
		_, err = mqConsumer.compactor.PurgeEpoch(ctx, job.RoomId, job.Epoch)
	default:
		log.Printf("mqConsumer dropping message %s with unknown kind %q", msg.Id, job.Kind)
		return true
	}

	if err == nil {
		return true
	}
	if msg.ReceiveCount >= maxReceiveCount {
		log.Printf("Giving up on %s job for room %s after %d attempts: %v", job.Kind, job.RoomId, msg.ReceiveCount, err)
		return true
	}
	log.Printf("%s job for room %s failed, will retry: %v", job.Kind, job.RoomId, err)
	return false
}
