package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
)

// KeyHandle identifies a private key held by the KMS. The key material
// never leaves the provider.
type KeyHandle string

// KMS is the boundary the core sees for key management and signing.
type KMS interface {
	// GenerateKeypair creates a keypair and returns the handle plus the
	// PEM-encoded public key.
	GenerateKeypair(ctx context.Context) (KeyHandle, string, error)

	// Sign signs data with the private key behind the handle.
	Sign(ctx context.Context, handle KeyHandle, data []byte) (string, error)

	// Verify checks a signature against a PEM-encoded public key.
	Verify(ctx context.Context, publicKeyPEM string, data []byte, signature string) (bool, error)

	// StoreSecret stores an opaque secret under a name.
	StoreSecret(ctx context.Context, name string, value []byte) error

	// Rotate replaces the keypair behind a handle, returning the new
	// public key. The handle stays valid.
	Rotate(ctx context.Context, handle KeyHandle) (string, error)
}

// localKMS is an in-process KMS used for tests and single-node deployments.
// Production deployments plug a cloud provider behind the same interface.
type localKMS struct {
	mu      sync.RWMutex
	keys    map[KeyHandle]ed25519.PrivateKey
	secrets map[string][]byte
}

// NewLocalKMS creates an in-process KMS provider.
func NewLocalKMS() KMS {
	return &localKMS{
		keys:    make(map[KeyHandle]ed25519.PrivateKey),
		secrets: make(map[string][]byte),
	}
}

func (k *localKMS) GenerateKeypair(ctx context.Context) (KeyHandle, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", errors.NewInternalError("keypair generation failed").WithCause(err)
	}

	handle := KeyHandle(uuid.NewString())
	pubPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return "", "", err
	}

	k.mu.Lock()
	k.keys[handle] = priv
	k.mu.Unlock()

	return handle, pubPEM, nil
}

func (k *localKMS) Sign(ctx context.Context, handle KeyHandle, data []byte) (string, error) {
	k.mu.RLock()
	priv, ok := k.keys[handle]
	k.mu.RUnlock()
	if !ok {
		return "", errors.NewNotFoundError("key handle")
	}

	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (k *localKMS) Verify(ctx context.Context, publicKeyPEM string, data []byte, signature string) (bool, error) {
	pub, err := DecodePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, err
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, errors.NewValidationError("INVALID_SIGNATURE_ENCODING",
			"signature is not valid base64").WithCause(err)
	}

	return ed25519.Verify(pub, data, sig), nil
}

func (k *localKMS) StoreSecret(ctx context.Context, name string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	k.secrets[name] = stored
	return nil
}

func (k *localKMS) Rotate(ctx context.Context, handle KeyHandle) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", errors.NewInternalError("key rotation failed").WithCause(err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[handle]; !ok {
		return "", errors.NewNotFoundError("key handle")
	}
	k.keys[handle] = priv

	return EncodePublicKeyPEM(pub)
}

// EncodePublicKeyPEM encodes an Ed25519 public key as PEM.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.NewInternalError("public key encoding failed").WithCause(err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM decodes a PEM-encoded Ed25519 public key.
func DecodePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.NewValidationError("INVALID_PUBLIC_KEY",
			"public key is not valid PEM")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PUBLIC_KEY",
			"public key DER parse failed").WithCause(err)
	}

	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.NewValidationError("INVALID_PUBLIC_KEY",
			fmt.Sprintf("unsupported key type %T", key))
	}
	return pub, nil
}
