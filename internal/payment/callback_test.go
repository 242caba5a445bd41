package payment

import (
	"errors"
	"testing"
)

func TestParseCallback(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantAuth    bool
	}{
		{"json numeric mdStatus", "application/json", `{"status":"success","paymentId":"p1","conversationId":"o1","mdStatus":1}`, true},
		{"json charset", "application/json; charset=utf-8", `{"status":"success","conversationId":"o1","mdStatus":"0"}`, false},
		{"form", "application/x-www-form-urlencoded", "status=success&paymentId=p1&conversationId=o1&mdStatus=1", true},
		{"sniffed json", "", `{"status":"failure","conversationId":"o1","errorMessage":"declined"}`, false},
		{"basket id fallback", "application/x-www-form-urlencoded", "status=success&basketId=o1&mdStatus=1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, err := ParseCallback(tt.contentType, []byte(tt.body))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if cb.OrderID() != "o1" {
				t.Fatalf("order id = %q", cb.OrderID())
			}
			if cb.Authenticated() != tt.wantAuth {
				t.Fatalf("Authenticated = %v, want %v", cb.Authenticated(), tt.wantAuth)
			}
			if string(cb.Raw) != tt.body {
				t.Fatalf("raw body not kept")
			}
		})
	}
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	for _, body := range []string{`{"status":`, `{"status":"success"}`, "conversationId=o1"} {
		if _, err := ParseCallback("", []byte(body)); !errors.Is(err, ErrMalformedCallback) {
			t.Errorf("ParseCallback(%q) = %v, want ErrMalformedCallback", body, err)
		}
	}
}
