package bucketing

import (
	"testing"
	"time"

	"email-auth-service/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAccountBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 4})

	for i := 0; i < 500; i++ {
		id := uuid.New()
		b := bm.AccountBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.AccountBucket(id))
	}
}

func TestEventBucketSpreads(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 16, EventBuckets: 4})
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[bm.EventBucket(uuid.NewString())] = true
	}
	assert.Len(t, seen, 4)
}

func TestZeroBucketsFallBackToOne(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 0, bm.AccountBucket(uuid.New()))
	assert.Equal(t, 1, bm.EventBuckets())
}

func TestAssignment(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{UserBuckets: 8, EventBuckets: 8})
	id := uuid.New()
	at := time.Date(2025, 3, 9, 23, 30, 0, 0, time.FixedZone("x", -2*3600))

	a := bm.Assignment(id, at)
	assert.Equal(t, bm.AccountBucket(id), a.AccountBucket)
	assert.Equal(t, "2025-03-10", a.DateBucket)
}
