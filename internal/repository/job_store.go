package repository

import (
	"context"
	"iter"
	"time"

	"github.com/joseph-ayodele/filextract/constants"
	"github.com/joseph-ayodele/filextract/internal/entity"
)

// JobStore is durable, keyed storage for job records with per-record atomic
// updates and expiry. It is the single serialization point of the pipeline:
// implementations must be safe for concurrent use by many processes.
type JobStore interface {
	// Create persists a new record with the given TTL. Fails with
	// common.ErrDuplicateJob if a live record with the same ID exists.
	Create(ctx context.Context, job *entity.Job, ttl time.Duration) error
	// Update merges fields into a live record. Fails with common.ErrJobNotFound.
	Update(ctx context.Context, jobID string, upd entity.JobUpdate) error
	// Transition applies upd only if the current status is one of from.
	// Returns false (and no error) when the status did not match.
	Transition(ctx context.Context, jobID string, from []constants.JobStatus, upd entity.JobUpdate) (bool, error)
	// Get returns the record or common.ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*entity.Job, error)
	// SetTTL refreshes the expiry of a live record.
	SetTTL(ctx context.Context, jobID string, ttl time.Duration) error
	// Scan lazily yields every live record. Each range over the sequence starts a
	// fresh scan; records that expire or are deleted mid-scan are skipped.
	Scan(ctx context.Context) iter.Seq2[*entity.Job, error]
	// Delete removes a record; deleting a missing record is not an error.
	Delete(ctx context.Context, jobID string) error
	Ping(ctx context.Context) error
}
