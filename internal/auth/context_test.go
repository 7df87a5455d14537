// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{ParticipantID: "7"})

	got := FromContext(ctx)
	if got == nil || got.ParticipantID != "7" {
		t.Fatalf("FromContext() = %+v, want participant 7", got)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}
