package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DroppedUpload is a batch the ledger never acknowledged. Uploads are
// at-most-once; the journal lets the gap be reconciled outside the run.
type DroppedUpload struct {
	Update    Update    `json:"update"`
	Reason    string    `json:"reason"`
	DroppedAt time.Time `json:"dropped_at"`
}

// Journal records dropped uploads.
type Journal interface {
	Record(ctx context.Context, d DroppedUpload) error
	Close() error
}

// NopJournal discards records.
type NopJournal struct{}

func (NopJournal) Record(context.Context, DroppedUpload) error { return nil }
func (NopJournal) Close() error { return nil }

// MemoryJournal keeps records in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	records []DroppedUpload
}

func (j *MemoryJournal) Record(_ context.Context, d DroppedUpload) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, d)
	return nil
}

func (j *MemoryJournal) Close() error { return nil }

// Records returns a copy of the recorded drops.
func (j *MemoryJournal) Records() []DroppedUpload {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]DroppedUpload, len(j.records))
	copy(out, j.records)
	return out
}

// RedisJournal appends dropped uploads to a per-job Redis list.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

// NewRedisJournal connects to the Redis instance at url (redis://host:port/db).
func NewRedisJournal(ctx context.Context, url, prefix string) (*RedisJournal, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if prefix == "" {
		prefix = "crunch:dropped:"
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisJournal{client: client, prefix: prefix}, nil
}

// Key returns the list key for a job.
func (j *RedisJournal) Key(jobID string) string {
	return j.prefix + jobID
}

func (j *RedisJournal) Record(ctx context.Context, d DroppedUpload) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode dropped upload: %w", err)
	}
	if err := j.client.RPush(ctx, j.Key(d.Update.Extra.JobID), payload).Err(); err != nil {
		return fmt.Errorf("journal write error: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (j *RedisJournal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

func (j *RedisJournal) Close() error {
	return j.client.Close()
}
