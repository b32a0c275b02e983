package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/v0ropaev/image-processing-service/cmd/migrate"
	"github.com/v0ropaev/image-processing-service/internal/archive"
	"github.com/v0ropaev/image-processing-service/internal/auth"
	"github.com/v0ropaev/image-processing-service/internal/config"
	"github.com/v0ropaev/image-processing-service/internal/objectstore"
	"github.com/v0ropaev/image-processing-service/internal/queue"
	"github.com/v0ropaev/image-processing-service/internal/redisconn"
	"github.com/v0ropaev/image-processing-service/internal/repository/storage"
	"github.com/v0ropaev/image-processing-service/internal/transport/handler"
	"github.com/v0ropaev/image-processing-service/internal/transport/router"
	use_case "github.com/v0ropaev/image-processing-service/internal/use-case"
)

type App struct {
	HttpServer *http.Server
}

// New wires the whole process: migrations, the metadata store, the redis
// holder shared by broker and result backend, the object store client, the
// background worker pool and the HTTP surface. Everything is constructed
// here once and injected; no package keeps its own global handle.
func New(cfg *config.Config) (*App, error) {
	ctx := context.Background()

	if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
		return nil, err
	}

	repo, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	holder, err := redisconn.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rc := holder.Get()

	blobs, err := objectstore.New(ctx, &cfg.S3)
	if err != nil {
		return nil, err
	}

	backend := queue.NewResultBackend(rc, "imgsvc:jobs", cfg.Pipeline.StatusTTL)
	producer := queue.Init(ctx, rc, cfg.Pipeline, backend, blobs, repo)

	tokens := auth.NewTokenManager(cfg.Auth)
	builder := archive.NewBuilder(repo, blobs)

	uc := use_case.New(repo, producer, backend, builder, tokens)

	h := handler.New(uc, repo, tokens, cfg)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &App{
		HttpServer: s,
	}, nil
}

func (a *App) Run() error {
	log.Printf("starting server")
	return a.HttpServer.ListenAndServe()
}
