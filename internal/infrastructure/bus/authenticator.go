package bus

import (
	"context"
	"time"

	"github.com/sentinelops/sentinel-backend/internal/domain/agent"
	"github.com/sentinelops/sentinel-backend/internal/domain/errors"
	"github.com/sentinelops/sentinel-backend/internal/infrastructure/crypto"
)

// Authenticator verifies message provenance before a handler runs.
type Authenticator interface {
	// Sign attaches the sender's signature to the message.
	Sign(ctx context.Context, m *Message) error

	// Verify checks the message signature against the sender's current
	// certificate. A revoked or expired certificate fails verification.
	Verify(ctx context.Context, m *Message) error
}

// CertificateSource resolves a sender's current certificate; typically
// backed by the read-through certificate cache.
type CertificateSource interface {
	Get(ctx context.Context, agentID string) (*agent.Certificate, error)
}

// KeyHandleSource maps a local sender id to its signing key handle.
type KeyHandleSource func(senderID string) (crypto.KeyHandle, bool)

// certAuthenticator signs with the KMS and verifies against the
// certificate registry.
type certAuthenticator struct {
	kms     crypto.KMS
	certs   CertificateSource
	handles KeyHandleSource
}

// NewCertificateAuthenticator wires signing and verification to the KMS
// and certificate source.
func NewCertificateAuthenticator(kms crypto.KMS, certs CertificateSource, handles KeyHandleSource) Authenticator {
	return &certAuthenticator{kms: kms, certs: certs, handles: handles}
}

func (a *certAuthenticator) Sign(ctx context.Context, m *Message) error {
	handle, ok := a.handles(m.SenderID)
	if !ok {
		return errors.NewAuthenticationError("no signing key for sender " + m.SenderID)
	}
	data, err := m.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := a.kms.Sign(ctx, handle, data)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

func (a *certAuthenticator) Verify(ctx context.Context, m *Message) error {
	if m.Signature == "" {
		return errors.NewAuthenticationError("message from " + m.SenderID + " is unsigned")
	}

	cert, err := a.certs.Get(ctx, m.SenderID)
	if err != nil {
		return err
	}
	if !cert.Usable(time.Now().UTC()) {
		return errors.NewAuthenticationError(
			"certificate for " + m.SenderID + " is " + string(cert.Status))
	}

	data, err := m.SigningBytes()
	if err != nil {
		return err
	}
	ok, err := a.kms.Verify(ctx, cert.PublicKeyPEM, data, m.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewAuthenticationError("signature from " + m.SenderID + " does not verify")
	}
	return nil
}
