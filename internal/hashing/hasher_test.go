package hashing

import (
	"strings"
	"testing"

	"email-auth-service/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func newTestHasher() *Hasher {
	return NewHasherWithPeppers(testParams, &Pepper{Value: "pepper-one", Version: 1})
}

func TestHashAndVerifyPassword(t *testing.T) {
	h := newTestHasher()

	encoded, err := h.HashPassword("Aa1!aaaa")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=1024,t=1,p=1$pv=1$"))

	ok, err := h.VerifyPassword("Aa1!aaaa", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("Aa1!aaab", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltIsRandom(t *testing.T) {
	h := newTestHasher()
	a, err := h.HashOTP("123456")
	require.NoError(t, err)
	b, err := h.HashOTP("123456")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestContextSeparation(t *testing.T) {
	h := newTestHasher()
	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)

	ok, err := h.VerifyPassword("123456", encoded)
	require.NoError(t, err)
	assert.False(t, ok, "an otp hash must not verify as a password")

	ok, err = h.VerifyOTP("123456", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPepperRotationKeepsOldHashes(t *testing.T) {
	h := newTestHasher()
	old, err := h.HashPassword("secret")
	require.NoError(t, err)

	h.AddPepper(&Pepper{Value: "pepper-two", Version: 2})
	fresh, err := h.HashPassword("secret")
	require.NoError(t, err)
	assert.Contains(t, fresh, "$pv=2$")

	for _, encoded := range []string{old, fresh} {
		ok, err := h.VerifyPassword("secret", encoded)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUnknownPepperVersion(t *testing.T) {
	encoded, err := NewHasherWithPeppers(testParams, &Pepper{Value: "x", Version: 7}).HashPassword("secret")
	require.NoError(t, err)

	_, err = newTestHasher().VerifyPassword("secret", encoded)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestDecodeHashRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "plain", "$bcrypt$x", "$argon2id$v=18$m=1,t=1,p=1$pv=1$AA$AA", "$argon2id$v=19$m=1,t=1,p=1$pv=1$!!$AA"} {
		_, err := DecodeHash(in)
		assert.Error(t, err, in)
	}
}

func TestNewHasherFromConfig(t *testing.T) {
	cfg := &config.Config{Hashing: config.HashingConfig{
		Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1,
		Peppers: []string{"1:first", "2:second"},
	}}
	h, err := NewHasher(cfg)
	require.NoError(t, err)
	encoded, err := h.HashOTP("000123")
	require.NoError(t, err)
	assert.Contains(t, encoded, "$pv=2$")

	cfg.Hashing.Peppers = []string{"nope"}
	_, err = NewHasher(cfg)
	assert.Error(t, err)
}
