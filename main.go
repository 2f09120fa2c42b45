package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zlnvch/inkroom/api"
	"github.com/zlnvch/inkroom/blob"
	"github.com/zlnvch/inkroom/blob/fsblob"
	"github.com/zlnvch/inkroom/blob/s3blob"
	"github.com/zlnvch/inkroom/cache"
	"github.com/zlnvch/inkroom/cache/local"
	"github.com/zlnvch/inkroom/cache/redis"
	"github.com/zlnvch/inkroom/config"
	"github.com/zlnvch/inkroom/mq/sqsmq"
	"github.com/zlnvch/inkroom/raster"
	"github.com/zlnvch/inkroom/store"
	"github.com/zlnvch/inkroom/store/dynamo"
	"github.com/zlnvch/inkroom/store/sqlite"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	boardStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create %s store: %v", cfg.StoreBackend, err)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create %s blob store: %v", cfg.BlobBackend, err)
	}

	var boardCache cache.BoardCache
	if cfg.RedisEndpoint != "" {
		boardCache, err = redis.NewRedisBoardCache(ctx, cfg.DevMode, cfg.RedisEndpoint)
		if err != nil {
			log.Fatalf("Failed to create redis cache: %v", err)
		}
	} else {
		log.Printf("REDIS_ENDPOINT not set, fanning out in-process (single node only)")
		boardCache = local.NewLocalBoardCache()
	}

	renderer, err := raster.NewRenderer()
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}

	instanceId, err := uuid.NewV4()
	if err != nil {
		log.Fatalf("Failed to generate instance id: %v", err)
	}

	opts := api.Options{
		Store:             boardStore,
		Cache:             boardCache,
		Blobs:             blobs,
		Renderer:          renderer,
		JWTSecret:         cfg.JWTSecret,
		InstanceId:        instanceId.String(),
		CompactionTimeout: cfg.CompactionTimeout,
	}

	if cfg.CompactionQueue != "" {
		compactionQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.CompactionQueue)
		if err != nil {
			log.Fatalf("Failed to create SQS MQ: %v", err)
		}
		opts.CompactionQueue = compactionQueue
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	inkroomApi := api.NewInkroomAPI(opts, shutdownCtx)

	mux := http.NewServeMux()
	inkroomApi.RegisterRoutes(mux, cfg.AllowedOrigin)

	server := &http.Server{Addr: ":" + cfg.HostPort, Handler: mux}
	go func() {
		<-shutdownCtx.Done()
		log.Printf("Server shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("Starting server %s on host port: %s\n", instanceId, cfg.HostPort)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newStore(ctx context.Context, cfg *config.Config) (store.BoardStore, error) {
	if cfg.StoreBackend == config.StoreSQLite {
		return sqlite.NewSQLiteBoardStore(cfg.SQLitePath)
	}
	return dynamo.NewDynamoBoardStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.BlobStore, error) {
	if cfg.BlobBackend == config.BlobFS {
		return fsblob.NewFSBlobStore(cfg.BlobDir)
	}
	return s3blob.NewS3BlobStore(ctx, cfg.DevMode, cfg.S3Endpoint, cfg.S3Bucket)
}
