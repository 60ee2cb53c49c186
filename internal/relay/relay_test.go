package relay

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keystonegw/sentinel/internal/keystore"
)

func TestNopRelayWritesFixedResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	req := &AdmittedRequest{Response: rec, Principal: keystore.PrincipalContext{ID: "key1"}}

	r := NewNopRelay()
	res, err := r.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if res == nil {
		t.Fatalf("expected non-nil result")
	}
}

func TestLoggingRelayDelegates(t *testing.T) {
	rec := httptest.NewRecorder()
	req := &AdmittedRequest{Response: rec, Principal: keystore.PrincipalContext{ID: "key1"}, Model: "claude-3-5-sonnet"}

	inner := NewNopRelay()
	logged := NewLoggingRelay(inner, zerolog.Nop())

	res, err := logged.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if res == nil {
		t.Fatalf("expected non-nil result")
	}
}
