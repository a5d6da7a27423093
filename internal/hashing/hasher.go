package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"email-auth-service/internal/config"
	"email-auth-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

// Hash contexts keep a password hash from ever verifying as an OTP and back.
const (
	contextPassword = "password"
	contextOTP      = "otp"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher is an argon2id hasher with a versioned server-side pepper. Encoded
// hashes carry their parameters and pepper version, so parameter changes and
// pepper rotation do not invalidate stored values.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	peppers       map[int]*Pepper
	mu            sync.RWMutex
}

// HashResult is the decoded form of a stored hash.
type HashResult struct {
	Hash          []byte
	Salt          []byte
	PepperVersion int
	Params        Argon2Params
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	peppers, err := parsePeppers(cfg.Hashing.Peppers)
	if err != nil {
		return nil, err
	}
	if len(peppers) == 0 {
		pepper, err := randomPepper()
		if err != nil {
			return nil, err
		}
		peppers = []*Pepper{pepper}
		util.Warn("HASH_PEPPERS not set, using an ephemeral pepper; stored hashes will not survive a restart")
	}

	return NewHasherWithPeppers(params, peppers...), nil
}

// NewHasherWithPeppers builds a hasher from explicit parameters. The highest
// pepper version becomes current.
func NewHasherWithPeppers(params Argon2Params, peppers ...*Pepper) *Hasher {
	h := &Hasher{
		params:  params,
		peppers: make(map[int]*Pepper, len(peppers)),
	}
	for _, p := range peppers {
		h.peppers[p.Version] = p
		if h.currentPepper == nil || p.Version > h.currentPepper.Version {
			h.currentPepper = p
		}
	}
	return h
}

// AddPepper installs a new current pepper while keeping older versions for
// verification.
func (h *Hasher) AddPepper(p *Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peppers[p.Version] = p
	if h.currentPepper == nil || p.Version > h.currentPepper.Version {
		h.currentPepper = p
	}
	util.Info("Pepper installed", util.Int("version", p.Version))
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hash(password, contextPassword)
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	return h.verify(password, encoded, contextPassword)
}

func (h *Hasher) HashOTP(code string) (string, error) {
	return h.hash(code, contextOTP)
}

func (h *Hasher) VerifyOTP(code, encoded string) (bool, error) {
	return h.verify(code, encoded, contextOTP)
}

func (h *Hasher) hash(data, context string) (string, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()
	if pepper == nil {
		return "", ErrUnknownPepper
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		contextualize(data, pepper.Value, context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return (&HashResult{
		Hash:          key,
		Salt:          salt,
		PepperVersion: pepper.Version,
		Params:        h.params,
	}).Encode(), nil
}

func (h *Hasher) verify(data, encoded, context string) (bool, error) {
	result, err := DecodeHash(encoded)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	pepper, ok := h.peppers[result.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: v%d", ErrUnknownPepper, result.PepperVersion)
	}

	computed := argon2.IDKey(
		contextualize(data, pepper.Value, context),
		result.Salt,
		result.Params.Iterations,
		result.Params.Memory,
		result.Params.Parallelism,
		uint32(len(result.Hash)),
	)

	return subtle.ConstantTimeCompare(computed, result.Hash) == 1, nil
}

func contextualize(data, pepper, context string) []byte {
	return []byte(context + "\x00" + pepper + "\x00" + data)
}

// Encode renders $argon2id$v=19$m=..,t=..,p=..$pv=N$salt$hash.
func (r *HashResult) Encode() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		argon2.Version,
		r.Params.Memory, r.Params.Iterations, r.Params.Parallelism,
		r.PepperVersion,
		base64.RawStdEncoding.EncodeToString(r.Salt),
		base64.RawStdEncoding.EncodeToString(r.Hash),
	)
}

func DecodeHash(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != "argon2id" {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	r := &HashResult{}
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &r.Params.Memory, &r.Params.Iterations, &parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	r.Params.Parallelism = parallelism

	if _, err := fmt.Sscanf(parts[4], "pv=%d", &r.PepperVersion); err != nil {
		return nil, ErrInvalidHash
	}

	var err error
	if r.Salt, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, ErrInvalidHash
	}
	if r.Hash, err = base64.RawStdEncoding.DecodeString(parts[6]); err != nil || len(r.Hash) == 0 {
		return nil, ErrInvalidHash
	}
	r.Params.SaltLength = uint32(len(r.Salt))
	r.Params.KeyLength = uint32(len(r.Hash))

	return r, nil
}

func parsePeppers(raw []string) ([]*Pepper, error) {
	peppers := make([]*Pepper, 0, len(raw))
	for _, entry := range raw {
		version, value, ok := strings.Cut(entry, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("invalid pepper entry, want version:value")
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid pepper version %q", version)
		}
		peppers = append(peppers, &Pepper{Value: value, Version: v})
	}
	return peppers, nil
}

func randomPepper() (*Pepper, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate pepper: %w", err)
	}
	return &Pepper{Value: base64.RawURLEncoding.EncodeToString(b), Version: 1}, nil
}
