package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/v0ropaev/image-processing-service/internal/entities"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken means a user with that email already exists.
	ErrEmailTaken = errors.New("email already registered")
)

const pgUniqueViolation = "23505"

type dbStorage struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*dbStorage, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &dbStorage{dbpool: pool}, nil
}

func (s *dbStorage) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *dbStorage) Close() {
	s.dbpool.Close()
}

func (s *dbStorage) CreateUser(ctx context.Context, email, hashedPassword string) (entities.User, error) {
	user := entities.User{ID: uuid.NewString(), Email: email, Password: hashedPassword}

	row := s.dbpool.QueryRow(ctx,
		`INSERT INTO users (id, email, password) VALUES ($1, $2, $3) RETURNING created_at`,
		user.ID, user.Email, user.Password,
	)
	if err := row.Scan(&user.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return entities.User{}, ErrEmailTaken
		}
		return entities.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *dbStorage) UserByEmail(ctx context.Context, email string) (entities.User, error) {
	var user entities.User
	row := s.dbpool.QueryRow(ctx,
		`SELECT id, email, password, created_at FROM users WHERE email = $1`,
		email,
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Password, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entities.User{}, ErrNotFound
		}
		return entities.User{}, fmt.Errorf("select user by email: %w", err)
	}
	return user, nil
}

// AppendVariants inserts one record per object key inside a single
// transaction. The worker calls it exactly once per successful job, after
// every blob is uploaded; partial batches never become visible.
func (s *dbStorage) AppendVariants(ctx context.Context, jobID, ownerID string, keys []string) error {
	tx, err := s.dbpool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append variants: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range keys {
		_, err := tx.Exec(ctx,
			`INSERT INTO variant_records (id, job_id, user_id, object_key) VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), jobID, ownerID, key,
		)
		if err != nil {
			return fmt.Errorf("insert variant record %s: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append variants: %w", err)
	}
	return nil
}

// HistoryByOwner returns the owner's variant records in insertion order.
// Zero rows is a normal answer, not an error; errors are reserved for store
// failures.
func (s *dbStorage) HistoryByOwner(ctx context.Context, ownerID string) ([]entities.VariantRecord, error) {
	rows, err := s.dbpool.Query(ctx,
		`SELECT id, job_id, user_id, object_key, created_at
		 FROM variant_records WHERE user_id = $1 ORDER BY seq`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// VariantsByJob returns every stored variant record of one job, in
// insertion order. An empty result means there is nothing to archive.
func (s *dbStorage) VariantsByJob(ctx context.Context, jobID string) ([]entities.VariantRecord, error) {
	rows, err := s.dbpool.Query(ctx,
		`SELECT id, job_id, user_id, object_key, created_at
		 FROM variant_records WHERE job_id = $1 ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("select variants by job: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]entities.VariantRecord, error) {
	records := make([]entities.VariantRecord, 0)
	for rows.Next() {
		var r entities.VariantRecord
		if err := rows.Scan(&r.ID, &r.JobID, &r.OwnerID, &r.ObjectKey, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variant records: %w", err)
	}
	return records, nil
}
