package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:        http.StatusBadRequest,
		KindInsufficientStock: http.StatusBadRequest,
		KindGateway:           http.StatusBadRequest,
		KindNotFound:          http.StatusNotFound,
		KindUnauthorized:      http.StatusUnauthorized,
		KindInvalidSignature:  http.StatusUnauthorized,
		KindForbidden:         http.StatusForbidden,
		KindConflict:          http.StatusConflict,
		KindInternal:          http.StatusInternalServerError,
		Kind("unknown"):       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Errorf("Status(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("checkout: %w", Wrap(KindGateway, "payment failed", cause))

	if KindOf(err) != KindGateway {
		t.Fatalf("expected gateway kind, got %s", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should be reachable through Unwrap")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("plain errors should classify as internal")
	}
	if Is(nil, KindInternal) {
		t.Fatal("nil error carries no kind")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := Validation("bad %s", "input")
	details := map[string]any{"field": "items"}
	withDetails := base.WithDetails(details)
	details["field"] = "mutated"

	if base.Details != nil {
		t.Fatal("WithDetails must not mutate the receiver")
	}
	if withDetails.Details["field"] != "items" {
		t.Fatalf("details should be copied, got %v", withDetails.Details)
	}
	if withDetails.Message != "bad input" {
		t.Fatalf("unexpected message %q", withDetails.Message)
	}
}
