package entities

import "time"

// Variant names produced for every processed image. The object key of a
// variant follows the convention {job_id}_{variant}.{ext}.
const (
	VariantOriginal = "original"
	VariantRotated  = "rotated"
	VariantGray     = "gray"
	VariantScaled   = "scaled"
)

// VariantNames lists the variants in the order they are produced.
var VariantNames = []string{VariantOriginal, VariantRotated, VariantGray, VariantScaled}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Password  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// VariantRecord is one row of processing history: a single stored variant
// of a single job. Records are append-only; the worker writes all four rows
// of a job in one batch after every upload has succeeded.
type VariantRecord struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	OwnerID   string    `json:"user_id"`
	ObjectKey string    `json:"img_link"`
	CreatedAt time.Time `json:"created_at"`
}
