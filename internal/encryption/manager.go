package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"email-auth-service/internal/config"
	"email-auth-service/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const (
	// localKeyID marks envelopes whose data key is stored unwrapped.
	localKeyID      = "local"
	envelopeVersion = 1
)

// Envelope is a sealed profile field. Byte slices serialise as base64.
type Envelope struct {
	Version    int       `json:"v"`
	KeyID      string    `json:"kid"`
	WrappedKey []byte    `json:"dek"`
	Sealed     []byte    `json:"ct"` // nonce || AES-GCM ciphertext
	SealedAt   time.Time `json:"at"`
}

// KMSAPI is the subset of *kms.Client the manager calls.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// EncryptionManager seals profile fields with per-value data keys. The data
// keys are wrapped by KMS when it is enabled.
type EncryptionManager struct {
	kmsClient KMSAPI
	config    config.KMSConfig
	keyCache  sync.Map // wrapped key -> plaintext key
}

type dataKey struct {
	plain   []byte
	wrapped []byte
	keyID   string
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// NewEncryptionManager returns a manager that wraps data keys with KMS when
// cfg.Enabled is set. Otherwise keys are stored unwrapped, which is only
// suitable for development.
func NewEncryptionManager(cfg config.KMSConfig, kmsClient KMSAPI) *EncryptionManager {
	if cfg.Enabled && kmsClient == nil {
		util.Warn("KMS enabled without a client, falling back to local data keys")
		cfg.Enabled = false
	}
	return &EncryptionManager{kmsClient: kmsClient, config: cfg}
}

func (em *EncryptionManager) newDataKey(ctx context.Context, purpose string) (*dataKey, error) {
	if !em.config.Enabled {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
		}
		return &dataKey{plain: key, wrapped: key, keyID: localKeyID}, nil
	}

	out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:             aws.String(em.config.KeyID),
		KeySpec:           types.DataKeySpecAes256,
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
	}
	return &dataKey{plain: out.Plaintext, wrapped: out.CiphertextBlob, keyID: em.config.KeyID}, nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, env *Envelope, purpose string) ([]byte, error) {
	if cached, ok := em.keyCache.Load(string(env.WrappedKey)); ok {
		return cached.([]byte), nil
	}
	if env.KeyID == localKeyID {
		return env.WrappedKey, nil
	}
	if !em.config.Enabled {
		return nil, fmt.Errorf("%w: value was sealed with KMS key %s", ErrDecryptionFailed, env.KeyID)
	}

	out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    env.WrappedKey,
		KeyId:             aws.String(env.KeyID),
		EncryptionContext: map[string]string{"purpose": purpose},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap data key: %v", ErrDecryptionFailed, err)
	}
	em.keyCache.Store(string(env.WrappedKey), out.Plaintext)
	return out.Plaintext, nil
}

// Seal encrypts plaintext under a fresh data key. purpose is bound as
// additional data, so a value only opens under the field it was sealed for.
func (em *EncryptionManager) Seal(ctx context.Context, plaintext, purpose string) (*Envelope, error) {
	key, err := em.newDataKey(ctx, purpose)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key.plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	em.keyCache.Store(string(key.wrapped), key.plain)
	return &Envelope{
		Version:    envelopeVersion,
		KeyID:      key.keyID,
		WrappedKey: key.wrapped,
		Sealed:     aead.Seal(nonce, nonce, []byte(plaintext), []byte(purpose)),
		SealedAt:   time.Now().UTC(),
	}, nil
}

// Open reverses Seal for the same purpose.
func (em *EncryptionManager) Open(ctx context.Context, env *Envelope, purpose string) (string, error) {
	if env.Version != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported envelope version %d", ErrDecryptionFailed, env.Version)
	}
	key, err := em.unwrap(ctx, env, purpose)
	if err != nil {
		return "", err
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	n := aead.NonceSize()
	if len(env.Sealed) < n {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := aead.Open(nil, env.Sealed[:n], env.Sealed[n:], []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// EncryptString seals plaintext and serialises the envelope as JSON for a
// text column.
func (em *EncryptionManager) EncryptString(ctx context.Context, plaintext, purpose string) (string, error) {
	env, err := em.Seal(ctx, plaintext, purpose)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return string(raw), nil
}

func (em *EncryptionManager) DecryptString(ctx context.Context, stored, purpose string) (string, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return "", fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.Open(ctx, &env, purpose)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops every cached data key.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Clear()
}

// CachedKeys reports how many unwrapped data keys are held in memory.
func (em *EncryptionManager) CachedKeys() int {
	n := 0
	em.keyCache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
