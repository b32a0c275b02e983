package use_case

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/v0ropaev/image-processing-service/internal/auth"
	"github.com/v0ropaev/image-processing-service/internal/entities"
	"github.com/v0ropaev/image-processing-service/internal/queue"
	"github.com/v0ropaev/image-processing-service/internal/repository/storage"
)

// ErrInvalidCredentials is returned by Login for an unknown email or a
// wrong password; the two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// allowedExtensions is the fixed submission allow-set. Validation is by
// filename extension only; content that lies about its extension is caught
// later by the worker's decode step, not here.
var allowedExtensions = map[string]struct{}{
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

type Storage interface {
	CreateUser(ctx context.Context, email, hashedPassword string) (entities.User, error)
	UserByEmail(ctx context.Context, email string) (entities.User, error)
	HistoryByOwner(ctx context.Context, ownerID string) ([]entities.VariantRecord, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, ownerID, filename string, payload []byte) (string, error)
}

type StatusSource interface {
	Status(ctx context.Context, jobID string) (queue.Status, error)
}

type Archiver interface {
	Write(ctx context.Context, jobID string, w io.Writer) error
}

type TokenIssuer interface {
	Issue(email string) (string, error)
}

// FileUpload is one submitted payload.
type FileUpload struct {
	Filename string
	Data     []byte
}

// RejectedFile reports why a submitted file produced no job.
type RejectedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// SubmissionResult carries one job id per accepted file, in submission
// order, plus the files rejected by validation.
type SubmissionResult struct {
	JobIDs   []string       `json:"task_ids"`
	Rejected []RejectedFile `json:"rejected,omitempty"`
}

type useCase struct {
	storage  Storage
	producer Enqueuer
	statuses StatusSource
	archiver Archiver
	tokens   TokenIssuer
}

func New(storage Storage, producer Enqueuer, statuses StatusSource, archiver Archiver, tokens TokenIssuer) *useCase {
	return &useCase{
		storage:  storage,
		producer: producer,
		statuses: statuses,
		archiver: archiver,
		tokens:   tokens,
	}
}

func allowedFile(filename string) bool {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 {
		return false
	}
	_, ok := allowedExtensions[strings.ToLower(filename[i+1:])]
	return ok
}

// SubmitImages validates each file against the extension allow-set and
// enqueues one job per accepted file. Rejected files create no job and no
// side effect. A broker failure is returned together with the ids already
// assigned: those jobs are in flight and will run regardless.
func (c *useCase) SubmitImages(ctx context.Context, ownerID string, files []FileUpload) (SubmissionResult, error) {
	var result SubmissionResult

	for _, f := range files {
		if !allowedFile(f.Filename) {
			result.Rejected = append(result.Rejected, RejectedFile{
				Filename: f.Filename,
				Reason:   "invalid file type, only .jpg, .jpeg and .png are allowed",
			})
			continue
		}

		jobID, err := c.producer.Enqueue(ctx, ownerID, f.Filename, f.Data)
		if err != nil {
			return result, fmt.Errorf("enqueue %s: %w", f.Filename, err)
		}
		result.JobIDs = append(result.JobIDs, jobID)
	}

	return result, nil
}

// JobStatus reports the broker-owned status of a job.
func (c *useCase) JobStatus(ctx context.Context, jobID string) (queue.Status, error) {
	return c.statuses.Status(ctx, jobID)
}

// History lists the owner's variant records in insertion order. An owner
// with no processed images gets an empty list; errors mean the store
// failed.
func (c *useCase) History(ctx context.Context, ownerID string) ([]entities.VariantRecord, error) {
	return c.storage.HistoryByOwner(ctx, ownerID)
}

// WriteArchive streams the zip of one completed job into w.
func (c *useCase) WriteArchive(ctx context.Context, jobID string, w io.Writer) error {
	return c.archiver.Write(ctx, jobID, w)
}

// Register creates a user and returns their first bearer token. The email
// must be unused; storage.ErrEmailTaken passes through for the handler to
// map.
func (c *useCase) Register(ctx context.Context, email, password string) (string, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}

	if _, err := c.storage.CreateUser(ctx, email, hash); err != nil {
		return "", err
	}
	return c.tokens.Issue(email)
}

// Login verifies credentials and returns a fresh bearer token.
func (c *useCase) Login(ctx context.Context, email, password string) (string, error) {
	user, err := c.storage.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if !auth.CheckPassword(user.Password, password) {
		return "", ErrInvalidCredentials
	}
	return c.tokens.Issue(email)
}
