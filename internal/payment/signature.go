package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Callback signature headers.
const (
	HeaderSignature = "X-Signature"
	HeaderNonce     = "X-Nonce"
)

var (
	// ErrInvalidSignature means the callback is not authentic and must not be processed.
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrMissingSignature means the callback carried no signature headers.
	ErrMissingSignature = errors.New("missing callback signature")
	// ErrReplayedNonce means the nonce was already used by an earlier callback.
	ErrReplayedNonce = errors.New("callback nonce already used")
)

// NonceStore remembers nonces so a captured callback cannot be replayed.
// ClaimNonce reports false only for a nonce whose delivery was completed.
type NonceStore interface {
	ClaimNonce(ctx context.Context, nonce, orderID string) (bool, error)
	CompleteNonce(ctx context.Context, nonce string) error
}

// Verification describes how a callback was authenticated.
type Verification struct {
	Signed bool
	Nonce  string
}

// Verifier checks callback HMACs computed over nonce + raw body.
type Verifier struct {
	secret           []byte
	requireSignature bool
	nonces           NonceStore
	logger           *zap.Logger
}

// NewVerifier returns a Verifier. With requireSignature false, callbacks without
// any signature headers are let through and reported as unsigned.
func NewVerifier(secret string, requireSignature bool, nonces NonceStore, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		secret:           []byte(secret),
		requireSignature: requireSignature,
		nonces:           nonces,
		logger:           logger,
	}
}

// Sign returns the hex HMAC-SHA256 of nonce + body.
func Sign(secret, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify authenticates body. A present but wrong signature always fails closed.
// It does not touch the nonce store; see Claim and Complete.
func (v *Verifier) Verify(_ context.Context, body []byte, signature, nonce string) (Verification, error) {
	signature = strings.TrimSpace(signature)
	nonce = strings.TrimSpace(nonce)

	if signature == "" && nonce == "" {
		if v.requireSignature {
			return Verification{}, ErrMissingSignature
		}
		v.logger.Warn("accepting unsigned payment callback", zap.Int("body_bytes", len(body)))
		return Verification{Signed: false}, nil
	}
	if signature == "" || nonce == "" {
		return Verification{}, ErrInvalidSignature
	}

	given, ok := decodeSignature(signature)
	if !ok {
		return Verification{}, ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(nonce))
	mac.Write(body)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return Verification{}, ErrInvalidSignature
	}

	return Verification{Signed: true, Nonce: nonce}, nil
}

// Claim records the nonce of a verified callback for orderID. It returns
// ErrReplayedNonce when an earlier delivery with the nonce was completed.
// Unsigned callbacks carry no nonce and always pass.
func (v *Verifier) Claim(ctx context.Context, ver Verification, orderID string) error {
	if !ver.Signed || v.nonces == nil {
		return nil
	}
	fresh, err := v.nonces.ClaimNonce(ctx, ver.Nonce, orderID)
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return ErrReplayedNonce
	}
	return nil
}

// Complete marks the nonce consumed once its callback was reconciled or queued.
// Until then a redelivery with the same nonce is processed again.
func (v *Verifier) Complete(ctx context.Context, ver Verification) error {
	if !ver.Signed || v.nonces == nil {
		return nil
	}
	if err := v.nonces.CompleteNonce(ctx, ver.Nonce); err != nil {
		return fmt.Errorf("complete nonce: %w", err)
	}
	return nil
}

// decodeSignature accepts hex or base64 (standard or URL alphabet).
func decodeSignature(s string) ([]byte, bool) {
	if len(s) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == sha256.Size {
			return b, true
		}
	}
	return nil, false
}
