package payment

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

type memoryNonces struct {
	mu     sync.Mutex
	status map[string]string
	orders map[string]string
}

func (m *memoryNonces) ClaimNonce(_ context.Context, nonce, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		m.status = map[string]string{}
		m.orders = map[string]string{}
	}
	switch m.status[nonce] {
	case "DONE":
		return false, nil
	case "":
		m.status[nonce] = "SEEN"
		m.orders[nonce] = orderID
	}
	return true, nil
}

func (m *memoryNonces) CompleteNonce(_ context.Context, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[nonce] == "" {
		return errors.New("nonce not claimed")
	}
	m.status[nonce] = "DONE"
	return nil
}

const testSecret = "callback-secret"

func TestVerifyAcceptsHexAndBase64(t *testing.T) {
	v := NewVerifier(testSecret, true, &memoryNonces{}, zaptest.NewLogger(t))
	body := []byte(`{"status":"success","conversationId":"o1","mdStatus":"1"}`)
	ctx := context.Background()

	sig := Sign(testSecret, "n1", body)
	res, err := v.Verify(ctx, body, sig, "n1")
	if err != nil || !res.Signed {
		t.Fatalf("hex signature rejected: %v", err)
	}

	raw, _ := hex.DecodeString(Sign(testSecret, "n2", body))
	if _, err := v.Verify(ctx, body, base64.StdEncoding.EncodeToString(raw), "n2"); err != nil {
		t.Fatalf("base64 signature rejected: %v", err)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	nonces := &memoryNonces{}
	v := NewVerifier(testSecret, true, nonces, zaptest.NewLogger(t))
	original := []byte(`{"status":"failure","conversationId":"o1"}`)
	tampered := []byte(`{"status":"success","conversationId":"o1","mdStatus":"1"}`)

	_, err := v.Verify(context.Background(), tampered, Sign(testSecret, "n1", original), "n1")
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if nonces.status["n1"] != "" {
		t.Fatal("forged request must not consume the nonce")
	}
}

func TestClaimRejectsCompletedNonce(t *testing.T) {
	nonces := &memoryNonces{}
	v := NewVerifier(testSecret, true, nonces, zaptest.NewLogger(t))
	ctx := context.Background()
	body := []byte(`{"status":"success","conversationId":"o1"}`)
	sig := Sign(testSecret, "n1", body)

	ver, err := v.Verify(ctx, body, sig, "n1")
	if err != nil || ver.Nonce != "n1" {
		t.Fatalf("verify: %+v %v", ver, err)
	}
	if err := v.Claim(ctx, ver, "o1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if nonces.orders["n1"] != "o1" {
		t.Errorf("nonce recorded for order %q, want o1", nonces.orders["n1"])
	}
	// The first delivery never completed, so a redelivery is let through.
	if err := v.Claim(ctx, ver, "o1"); err != nil {
		t.Fatalf("redelivery of unfinished callback refused: %v", err)
	}

	if err := v.Complete(ctx, ver); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := v.Claim(ctx, ver, "o1"); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected ErrReplayedNonce, got %v", err)
	}
}

func TestClaimSkipsUnsignedCallbacks(t *testing.T) {
	nonces := &memoryNonces{}
	v := NewVerifier(testSecret, false, nonces, zaptest.NewLogger(t))
	ver := Verification{Signed: false}
	if err := v.Claim(context.Background(), ver, "o1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := v.Complete(context.Background(), ver); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(nonces.status) != 0 {
		t.Errorf("unsigned callback touched the nonce store: %v", nonces.status)
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	body := []byte(`{}`)
	strict := NewVerifier(testSecret, true, nil, zaptest.NewLogger(t))
	if _, err := strict.Verify(context.Background(), body, "", ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
	if _, err := strict.Verify(context.Background(), body, Sign(testSecret, "", body), ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("signature without nonce must fail, got %v", err)
	}

	lenient := NewVerifier(testSecret, false, nil, zaptest.NewLogger(t))
	res, err := lenient.Verify(context.Background(), body, "", "")
	if err != nil || res.Signed {
		t.Fatalf("lenient mode should pass unsigned callbacks, got %+v %v", res, err)
	}
	if _, err := lenient.Verify(context.Background(), body, "deadbeef", "n1"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("lenient mode must still reject bad signatures, got %v", err)
	}
}
