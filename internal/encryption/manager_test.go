package encryption

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"email-auth-service/internal/config"
)

// fakeKMS wraps keys by prefixing them and counts Decrypt calls.
type fakeKMS struct {
	decrypts int
}

var wrapPrefix = []byte("wrapped:")

func (f *fakeKMS) GenerateDataKey(_ context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	key := bytes.Repeat([]byte{7}, 32)
	return &kms.GenerateDataKeyOutput{
		Plaintext:      key,
		CiphertextBlob: append(append([]byte{}, wrapPrefix...), key...),
		KeyId:          in.KeyId,
	}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypts++
	if !bytes.HasPrefix(in.CiphertextBlob, wrapPrefix) {
		return nil, errors.New("invalid ciphertext")
	}
	return &kms.DecryptOutput{Plaintext: in.CiphertextBlob[len(wrapPrefix):]}, nil
}

func TestLocalRoundTrip(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	stored, err := em.EncryptString(ctx, "221B Baker Street", "profile_address")
	require.NoError(t, err)
	assert.NotContains(t, stored, "Baker")

	assert.Equal(t, 1, em.CachedKeys())
	em.ClearCache()
	assert.Equal(t, 0, em.CachedKeys())

	got, err := em.DecryptString(ctx, stored, "profile_address")
	require.NoError(t, err)
	assert.Equal(t, "221B Baker Street", got)
}

func TestPurposeIsBound(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	stored, err := em.EncryptString(ctx, "secret", "profile_address")
	require.NoError(t, err)

	_, err = em.DecryptString(ctx, stored, "other")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestKMSRoundTripUsesCache(t *testing.T) {
	fake := &fakeKMS{}
	em := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "alias/auth"}, fake)
	ctx := context.Background()

	data, err := em.Seal(ctx, "10 Downing Street", "profile_address")
	require.NoError(t, err)
	assert.Equal(t, "alias/auth", data.KeyID)

	got, err := em.Open(ctx, data, "profile_address")
	require.NoError(t, err)
	assert.Equal(t, "10 Downing Street", got)
	assert.Equal(t, 0, fake.decrypts)

	em.ClearCache()
	got, err = em.Open(ctx, data, "profile_address")
	require.NoError(t, err)
	assert.Equal(t, "10 Downing Street", got)
	assert.Equal(t, 1, fake.decrypts)
}

func TestKMSValueWithoutKMS(t *testing.T) {
	ctx := context.Background()
	data, err := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "alias/auth"}, &fakeKMS{}).
		Seal(ctx, "x", "profile_address")
	require.NoError(t, err)

	_, err = NewEncryptionManager(config.KMSConfig{}, nil).Open(ctx, data, "profile_address")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptStringRejectsGarbage(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	_, err := em.DecryptString(context.Background(), "not json", "profile_address")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	em := NewEncryptionManager(config.KMSConfig{}, nil)
	ctx := context.Background()

	env, err := em.Seal(ctx, "x", "profile_address")
	require.NoError(t, err)
	env.Version = 2
	_, err = em.Open(ctx, env, "profile_address")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
