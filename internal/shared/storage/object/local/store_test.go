package local

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestPutThenOpen(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	n, err := store.Put(ctx, "artifacts/p-1/a.txt", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes, got %d", n)
	}

	rc, err := store.Open(ctx, "artifacts/p-1/a.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "hello" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestPutRejectsEscapingKey(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Put(context.Background(), "../outside.txt", "text/plain", strings.NewReader("x")); err == nil {
		t.Fatalf("expected invalid key error")
	}
}
