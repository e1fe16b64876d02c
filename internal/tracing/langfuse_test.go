package tracing

import (
	"testing"

	"github.com/54b3r/medrag-go/internal/logging"
)

// These tests use t.Setenv and cannot run in parallel.

func TestSetup_DisabledWithoutKeys(t *testing.T) {
	t.Setenv("LANGFUSE_PUBLIC_KEY", "")
	t.Setenv("LANGFUSE_SECRET_KEY", "")

	flush := Setup(logging.Discard())
	if flush == nil {
		t.Fatal("flush must never be nil")
	}
	flush()
}

func TestSampleRate(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"1", 1},
		{"0", 1},
		{"1.5", 1},
		{"abc", 1},
	}
	for _, tc := range cases {
		t.Setenv("LANGFUSE_SAMPLE_RATE", tc.raw)
		if got := sampleRate(logging.Discard()); got != tc.want {
			t.Errorf("LANGFUSE_SAMPLE_RATE=%q: got %v, want %v", tc.raw, got, tc.want)
		}
	}
}
