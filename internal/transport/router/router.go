package router

import (
	"github.com/go-chi/chi/v5"

	"github.com/v0ropaev/image-processing-service/internal/transport/handler"
)

func NewRouter(h *handler.Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/registration", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Post("/upload", h.Upload)
			r.Get("/status/{taskID}", h.Status)
			r.Get("/get_my_id", h.MyID)
			r.Get("/history", h.History)
			r.Get("/task/{taskID}", h.DownloadArchive)
		})
	})

	return r
}
