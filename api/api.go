package api

import (
	"context"
	"net/http"
	"time"

	"github.com/zlnvch/inkroom/api/rest"
	"github.com/zlnvch/inkroom/api/ws"
	"github.com/zlnvch/inkroom/blob"
	"github.com/zlnvch/inkroom/cache"
	"github.com/zlnvch/inkroom/mq"
	"github.com/zlnvch/inkroom/presence"
	"github.com/zlnvch/inkroom/raster"
	"github.com/zlnvch/inkroom/service"
	"github.com/zlnvch/inkroom/store"
	"github.com/zlnvch/inkroom/worker"
)

type Options struct {
	Store      store.BoardStore
	Cache      cache.BoardCache
	Blobs      blob.BlobStore
	Renderer   *raster.Renderer
	JWTSecret  []byte
	InstanceId string

	CompactionTimeout time.Duration

	// CompactionQueue is optional; without it failed compactions wait for
	// the next time the room empties.
	CompactionQueue mq.MessageQueue
}

type InkroomAPI struct {
	Service     *service.Service
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

func NewInkroomAPI(opts Options, shutdownCtx context.Context) *InkroomAPI {
	svc := service.NewService(
		opts.Store,
		opts.Cache,
		opts.CompactionQueue,
		opts.Blobs,
		opts.Renderer,
		opts.JWTSecret,
		opts.InstanceId,
	)
	if opts.CompactionTimeout > 0 {
		svc.CompactionTimeout = opts.CompactionTimeout
	}

	registry := presence.NewRegistry()
	wsHub := ws.NewHub(opts.Cache, registry, svc, svc.TriggerCompaction)
	svc.AttachPresence(registry, wsHub)
	go wsHub.Run(shutdownCtx)

	if opts.CompactionQueue != nil {
		mqConsumer := worker.NewMQConsumer(opts.CompactionQueue, svc)
		go mqConsumer.Run(shutdownCtx)
	}

	return &InkroomAPI{
		Service:     svc,
		restHandler: rest.NewHandler(svc),
		wsHandler:   ws.NewHandler(svc, wsHub),
		shutdownCtx: shutdownCtx,
	}
}

func (inkroomAPI *InkroomAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	inkroomAPI.restHandler.RegisterRoutes(mux)

	wsUpgrader := inkroomAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		inkroomAPI.wsHandler.ServeWS(wsUpgrader, w, r, inkroomAPI.shutdownCtx)
	})
}
