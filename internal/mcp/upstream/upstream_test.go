package upstream

import (
	"context"
	"testing"

	"relaygate/internal/store"
)

func TestConnect_UnsupportedKindErrorsWithoutDialing(t *testing.T) {
	target := store.McpTarget{Name: "weird", Kind: store.McpTargetOpenAPI}
	if _, err := Connect(context.Background(), target, "http://example.invalid"); err == nil {
		t.Fatalf("expected error for a target kind with no live upstream transport")
	}
}

func TestEnvSlice_FormatsKeyValuePairs(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	if len(out) != 1 || out[0] != "FOO=bar" {
		t.Fatalf("expected [\"FOO=bar\"], got %+v", out)
	}
}

func TestEnvSlice_EmptyMapYieldsEmptySlice(t *testing.T) {
	out := envSlice(nil)
	if len(out) != 0 {
		t.Fatalf("expected empty slice, got %+v", out)
	}
}
