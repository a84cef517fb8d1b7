package google

import (
	"context"
	"testing"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), "", "gemini-1.5-pro"); err == nil {
		t.Error("expected error for missing api key")
	}
}
