package openai

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for missing api key")
	}

	c, err := New("test-key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.modelName != DefaultModel {
		t.Errorf("model = %s, want %s", c.modelName, DefaultModel)
	}
}

func TestChatRespectsCancellation(t *testing.T) {
	c, err := New("test-key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
