// Package memory is an in-process Store used for local development and tests.
// A single mutex gives every operation the atomicity the SQL and CQL backends
// get from the database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"email-auth-service/internal/models"
	"email-auth-service/internal/repository"

	"github.com/google/uuid"
)

type otpKey struct {
	email   string
	purpose models.Purpose
}

type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	accounts   map[uuid.UUID]*models.Account
	byEmail    map[string]uuid.UUID
	identities map[uuid.UUID][]models.Identity
	activity   map[uuid.UUID][]models.Activity
	otps       map[otpKey][]*models.OTPRecord
}

func NewStore() *Store {
	return &Store{
		now:        time.Now,
		accounts:   make(map[uuid.UUID]*models.Account),
		byEmail:    make(map[string]uuid.UUID),
		identities: make(map[uuid.UUID][]models.Identity),
		activity:   make(map[uuid.UUID][]models.Activity),
		otps:       make(map[otpKey][]*models.OTPRecord),
	}
}

func (s *Store) Accounts() repository.AccountRepository { return accountRepo{s} }

func (s *Store) OTPs() repository.OTPRepository { return otpRepo{s} }

func (s *Store) Activity() repository.ActivityRepository { return activityRepo{s} }

func (s *Store) HealthCheck(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// OTPRecords returns copies of every record for the scope, newest first.
// Tests use it to inspect attempt counters.
func (s *Store) OTPRecords(email string, purpose models.Purpose) []models.OTPRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.otps[otpKey{email, purpose}]
	out := make([]models.OTPRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, *recs[i])
	}
	return out
}

func (s *Store) cloneAccount(a *models.Account) *models.Account {
	c := *a
	c.Identities = append([]models.Identity(nil), s.identities[a.ID]...)
	return &c
}

type accountRepo struct{ s *Store }

func (r accountRepo) Create(_ context.Context, account *models.Account) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[account.Email]; ok {
		return repository.ErrConflict
	}
	now := s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	account.SchemaVersion = models.AccountSchemaVersion

	stored := *account
	stored.Identities = nil
	s.accounts[account.ID] = &stored
	s.byEmail[account.Email] = account.ID
	for _, id := range account.Identities {
		id.AccountID = account.ID
		s.identities[account.ID] = append(s.identities[account.ID], id)
	}
	return nil
}

func (r accountRepo) FindByEmail(_ context.Context, email string) (*models.Account, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.cloneAccount(s.accounts[id]), nil
}

func (r accountRepo) FindByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.cloneAccount(a), nil
}

func (r accountRepo) mutate(id uuid.UUID, fn func(a *models.Account) error) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := fn(a); err != nil {
		return err
	}
	a.UpdatedAt = s.now().UTC()
	return nil
}

func (r accountRepo) MarkVerified(_ context.Context, id uuid.UUID) error {
	return r.mutate(id, func(a *models.Account) error {
		a.IsVerified = true
		return nil
	})
}

func (r accountRepo) SetRefreshToken(_ context.Context, id uuid.UUID, token *string) error {
	return r.mutate(id, func(a *models.Account) error {
		a.RefreshToken = copyString(token)
		return nil
	})
}

func (r accountRepo) RotateRefreshToken(_ context.Context, id uuid.UUID, current, next string) error {
	return r.mutate(id, func(a *models.Account) error {
		if a.RefreshToken == nil || *a.RefreshToken != current {
			return repository.ErrStaleToken
		}
		a.RefreshToken = &next
		return nil
	})
}

func (r accountRepo) SetPassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	return r.mutate(id, func(a *models.Account) error {
		a.PasswordHash = &passwordHash
		a.RefreshToken = nil
		return nil
	})
}

func (r accountRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return r.mutate(id, func(a *models.Account) error {
		a.IsActive = active
		return nil
	})
}

func (r accountRepo) UpdateProfile(_ context.Context, id uuid.UUID, u models.ProfileUpdate) error {
	return r.mutate(id, func(a *models.Account) error {
		if u.FirstName != nil {
			a.FirstName = *u.FirstName
		}
		if u.LastName != nil {
			a.LastName = *u.LastName
		}
		if u.AvatarURL != nil {
			a.AvatarURL = copyString(u.AvatarURL)
		}
		if u.Latitude != nil {
			v := *u.Latitude
			a.Latitude = &v
		}
		if u.Longitude != nil {
			v := *u.Longitude
			a.Longitude = &v
		}
		if u.AddressEncrypted != nil {
			a.AddressEncrypted = copyString(u.AddressEncrypted)
		}
		if u.City != nil {
			a.City = copyString(u.City)
		}
		return nil
	})
}

func (r accountRepo) LinkIdentity(_ context.Context, identity models.Identity) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[identity.AccountID]; !ok {
		return repository.ErrNotFound
	}
	for owner, ids := range s.identities {
		for _, existing := range ids {
			if owner != identity.AccountID && existing.Provider == identity.Provider &&
				existing.ProviderUserID == identity.ProviderUserID {
				return repository.ErrConflict
			}
		}
	}

	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = s.now().UTC()
	}
	ids := s.identities[identity.AccountID]
	for i := range ids {
		if ids[i].Provider == identity.Provider {
			ids[i].ProviderUserID = identity.ProviderUserID
			return nil
		}
	}
	s.identities[identity.AccountID] = append(ids, identity)
	return nil
}

func (r accountRepo) UnlinkIdentity(_ context.Context, id uuid.UUID, provider models.Provider) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.identities[id]
	for i := range ids {
		if ids[i].Provider == provider {
			s.identities[id] = append(ids[:i:i], ids[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r accountRepo) Delete(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.byEmail, a.Email)
	delete(s.identities, id)
	delete(s.activity, id)
	delete(s.otps, otpKey{a.Email, models.PurposeEmailVerification})
	delete(s.otps, otpKey{a.Email, models.PurposePasswordReset})
	return nil
}

type otpRepo struct{ s *Store }

func (r otpRepo) Replace(_ context.Context, rec *models.OTPRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.otps[otpKey{rec.Email, rec.Purpose}] = []*models.OTPRecord{&stored}
	return nil
}

func (r otpRepo) FindActive(_ context.Context, email string, purpose models.Purpose, now time.Time) (*models.OTPRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *models.OTPRecord
	for _, rec := range s.otps[otpKey{email, purpose}] {
		if rec.Verified || rec.Expired(now) {
			continue
		}
		if newest == nil || rec.CreatedAt.After(newest.CreatedAt) {
			newest = rec
		}
	}
	if newest == nil {
		return nil, repository.ErrNotFound
	}
	c := *newest
	return &c, nil
}

func (r otpRepo) find(rec *models.OTPRecord) *models.OTPRecord {
	for _, stored := range r.s.otps[otpKey{rec.Email, rec.Purpose}] {
		if stored.ID == rec.ID {
			return stored
		}
	}
	return nil
}

func (r otpRepo) IncrementAttempts(_ context.Context, rec *models.OTPRecord, maxAttempts int) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := r.find(rec)
	if stored == nil {
		return 0, repository.ErrNotFound
	}
	if stored.Attempts >= maxAttempts {
		return stored.Attempts, repository.ErrAttemptsExhausted
	}
	stored.Attempts++
	return stored.Attempts, nil
}

func (r otpRepo) MarkVerified(_ context.Context, rec *models.OTPRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := r.find(rec)
	if stored == nil || stored.Verified {
		return repository.ErrNotFound
	}
	stored.Verified = true
	return nil
}

func (r otpRepo) DeleteAll(_ context.Context, email string, purpose models.Purpose) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.otps, otpKey{email, purpose})
	return nil
}

type activityRepo struct{ s *Store }

func (r activityRepo) Append(_ context.Context, activity *models.Activity) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[activity.AccountID]; !ok {
		return repository.ErrNotFound
	}
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = s.now().UTC()
	}
	s.activity[activity.AccountID] = append(s.activity[activity.AccountID], *activity)
	return nil
}

func (r activityRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]models.Activity, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.Activity(nil), s.activity[accountID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
