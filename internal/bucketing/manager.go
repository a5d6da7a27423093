package bucketing

import (
	"hash"
	"sync"
	"time"

	"email-auth-service/internal/config"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads account rows and security events over a fixed
// number of partitions. Bucket counts must never change for a live cluster.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

type BucketAssignment struct {
	AccountBucket int    `json:"account_bucket"`
	EventBucket   int    `json:"event_bucket"`
	DateBucket    string `json:"date_bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: positive(cfg.UserBuckets),
		eventBuckets:   positive(cfg.EventBuckets),
	}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns a consistent bucket for an account (0 to accountBuckets-1)
func (bm *BucketingManager) AccountBucket(id uuid.UUID) int {
	return bm.getBucket(id.String(), bm.accountBuckets)
}

// EventBucket returns the bucket for security events keyed by email or account id
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) Assignment(id uuid.UUID, at time.Time) BucketAssignment {
	return BucketAssignment{
		AccountBucket: bm.AccountBucket(id),
		EventBucket:   bm.EventBucket(id.String()),
		DateBucket:    bm.DateBucket(at),
	}
}

func (bm *BucketingManager) AccountBuckets() int {
	return bm.accountBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func positive(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
