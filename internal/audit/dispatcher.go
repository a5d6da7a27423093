package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"email-auth-service/internal/bucketing"
	"email-auth-service/internal/models"
	"email-auth-service/internal/util"
)

// Sink receives every recorded security event.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev *models.SecurityEvent) error
}

// Event is what callers report. The dispatcher fills in identifiers,
// buckets and timestamps.
type Event struct {
	AccountID uuid.UUID
	Email     string
	Type      models.EventType
	Success   bool
	Reason    string
	IPAddress string
	UserAgent string
}

// Dispatcher fans security events out to all sinks concurrently.
type Dispatcher struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	timeout time.Duration
	now     func() time.Time
}

func NewDispatcher(buckets *bucketing.BucketingManager, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		buckets: buckets,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Sinks reports the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Build turns e into the stored record.
func (d *Dispatcher) Build(e Event) *models.SecurityEvent {
	now := d.now().UTC()
	key := e.Email
	if e.AccountID != uuid.Nil {
		key = e.AccountID.String()
	}
	return &models.SecurityEvent{
		EventID:     uuid.New(),
		EventBucket: d.buckets.EventBucket(key),
		AccountID:   e.AccountID,
		Email:       util.MaskEmail(e.Email),
		EventType:   e.Type,
		Success:     e.Success,
		Reason:      e.Reason,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		EventTime:   now,
		EventDate:   d.buckets.DateBucket(now),
	}
}

// Record writes e to every sink. Sink failures are logged and joined into
// the returned error; one failing sink never stops the others.
func (d *Dispatcher) Record(ctx context.Context, e Event) error {
	if d == nil || len(d.sinks) == 0 {
		return nil
	}
	ev := d.Build(e)

	// the event outlives a cancelled request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	errs := make([]error, len(d.sinks))
	var g errgroup.Group
	for i, sink := range d.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, ev); err != nil {
				util.Warn("Security event sink failed",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(ev.EventType)),
					zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
