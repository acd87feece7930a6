package consensus

import (
	"context"

	"github.com/sentinelops/sentinel-backend/internal/domain/consensus"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// HMACSigner signs protocol messages with a shared swarm key. Nodes in
// one deployment share the key through the KMS secret store; a node
// that cannot produce a valid MAC is suspected by its peers.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner builds a signer from the shared key.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, errors.NewValidationError("MISSING_SIGNING_KEY",
			"consensus signing key is required")
	}
	return &HMACSigner{key: append([]byte(nil), key...)}, nil
}

func (s *HMACSigner) Sign(ctx context.Context, m *consensus.Message) error {
	data, err := m.SigningBytes()
	if err != nil {
		return err
	}
	m.Signature = crypto.HMACSHA256Hex(s.key, data)
	return nil
}

func (s *HMACSigner) Verify(ctx context.Context, m *consensus.Message) error {
	if m.Signature == "" {
		return errors.NewAuthenticationError("consensus message is unsigned")
	}
	data, err := m.SigningBytes()
	if err != nil {
		return err
	}
	if !crypto.VerifyHMACSHA256(s.key, data, m.Signature) {
		return errors.NewAuthenticationError("consensus message signature mismatch").
			WithDetail("sender_id", m.SenderID)
	}
	return nil
}
