package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/v0ropaev/image-processing-service/internal/archive"
	"github.com/v0ropaev/image-processing-service/internal/config"
	"github.com/v0ropaev/image-processing-service/internal/entities"
	"github.com/v0ropaev/image-processing-service/internal/queue"
	"github.com/v0ropaev/image-processing-service/internal/repository/storage"
	use_case "github.com/v0ropaev/image-processing-service/internal/use-case"
)

type UseCase interface {
	SubmitImages(ctx context.Context, ownerID string, files []use_case.FileUpload) (use_case.SubmissionResult, error)
	JobStatus(ctx context.Context, jobID string) (queue.Status, error)
	History(ctx context.Context, ownerID string) ([]entities.VariantRecord, error)
	WriteArchive(ctx context.Context, jobID string, w io.Writer) error
	Register(ctx context.Context, email, password string) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
}

type UserSource interface {
	UserByEmail(ctx context.Context, email string) (entities.User, error)
}

type TokenParser interface {
	Parse(token string) (string, error)
}

type Handler struct {
	useCase   UseCase
	users     UserSource
	tokens    TokenParser
	cfg       *config.Config
	validator *validator.Validate
}

func New(useCase UseCase, users UserSource, tokens TokenParser, cfg *config.Config) *Handler {
	return &Handler{
		useCase:   useCase,
		users:     users,
		tokens:    tokens,
		cfg:       cfg,
		validator: validator.New(),
	}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	token, err := h.useCase.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			writeJSONError(w, "user already exists", http.StatusBadRequest)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, "invalid form data", http.StatusBadRequest)
		return
	}
	email := r.PostForm.Get("username")
	password := r.PostForm.Get("password")
	if email == "" || password == "" {
		writeJSONError(w, "username and password are required", http.StatusBadRequest)
		return
	}

	token, err := h.useCase.Login(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, use_case.ErrInvalidCredentials) {
			writeJSONError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "bearer"})
}

// Upload accepts one or more files under the multipart field "files" and
// answers with one job id per accepted file plus the validation rejects.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	if err := r.ParseMultipartForm(h.cfg.Upload.MaxMultipartMemoryMB << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, `missing files: form field key should be "files"`, http.StatusBadRequest)
		return
	}

	files := make([]use_case.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeJSONError(w, fmt.Sprintf("open %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeJSONError(w, fmt.Sprintf("read %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		files = append(files, use_case.FileUpload{Filename: fh.Filename, Data: data})
	}

	user := userFrom(r)
	result, err := h.useCase.SubmitImages(r.Context(), user.ID, files)
	if err != nil {
		// Broker unavailability must not be swallowed; ids already assigned
		// are lost to the caller, but those jobs will still run.
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "taskID")

	status, err := h.useCase.JobStatus(r.Context(), jobID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{TaskStatus: string(status)})
}

func (h *Handler) MyID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IDResponse{YourID: userFrom(r).ID})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.useCase.History(r.Context(), userFrom(r).ID)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// DownloadArchive streams the job's zip. Entries are written as they are
// fetched; headers go out before the first byte, so failures after that
// point can only be logged.
func (h *Handler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "taskID")

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.zip", jobID))

	cw := &countingWriter{w: w}
	if err := h.useCase.WriteArchive(r.Context(), jobID, cw); err != nil {
		if cw.n > 0 {
			log.Printf("[handler] archive stream for job %s aborted: %v", jobID, err)
			return
		}
		w.Header().Del("Content-Disposition")
		if errors.Is(err, archive.ErrNoVariants) {
			writeJSONError(w, "no stored variants for this task", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}
