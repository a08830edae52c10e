package steward

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

const testTemplate = `{
  "facts": {},
  "preferences": {},
  "protected_memory": {}
}`

func TestMemoryGetSeedsTemplate(t *testing.T) {
	m := NewMemory(newMemStore(), 1024, testTemplate)

	got, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got != testTemplate {
		t.Errorf("Get = %q, want seeded template", got)
	}

	// Seeding persists: a second read comes from the store.
	again, err := m.Get(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again != got {
		t.Errorf("second Get = %q, want %q", again, got)
	}
}

func TestMemorySetTrimsAndTruncates(t *testing.T) {
	m := NewMemory(newMemStore(), 10, testTemplate)

	got, err := m.Set(context.Background(), "alice", "  "+strings.Repeat("x", 50)+"  ")
	if err != nil {
		t.Fatal(err)
	}
	if got != strings.Repeat("x", 10) {
		t.Errorf("Set = %q, want 10 bytes kept", got)
	}
}

func TestMemoryEdit(t *testing.T) {
	m := NewMemory(newMemStore(), 4096, testTemplate)

	val := "go"
	out, err := m.Edit(context.Background(), "alice", "language", &val)
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatal(err)
	}
	if data["language"] != "go" {
		t.Errorf("memory = %v, want language set", data)
	}

	out, err = m.Edit(context.Background(), "alice", "language", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "language") {
		t.Errorf("memory = %q, want field removed", out)
	}
}

func TestMemoryEditRejectsProtectedField(t *testing.T) {
	m := NewMemory(newMemStore(), 4096, testTemplate)

	val := "x"
	if _, err := m.Edit(context.Background(), "alice", ProtectedMemoryField, &val); err == nil {
		t.Fatal("Edit on protected field succeeded, want error")
	}
}

func TestMemoryEditProtected(t *testing.T) {
	m := NewMemory(newMemStore(), 4096, testTemplate)

	val := "secret"
	out, err := m.EditProtected(context.Background(), "alice", "api_note", &val)
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatal(err)
	}
	if data[ProtectedMemoryField]["api_note"] != "secret" {
		t.Errorf("memory = %v, want protected subtree written", data)
	}
}

func TestMemoryReset(t *testing.T) {
	m := NewMemory(newMemStore(), 4096, testTemplate)

	val := "go"
	if _, err := m.Edit(context.Background(), "alice", "language", &val); err != nil {
		t.Fatal(err)
	}
	out, err := m.Reset(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if out != testTemplate {
		t.Errorf("Reset = %q, want template restored", out)
	}
}

func TestMemoryEditRecoversFromMalformedBlob(t *testing.T) {
	store := newMemStore()
	m := NewMemory(store, 4096, testTemplate)
	if err := store.SetUserMemory(context.Background(), "alice", "not json at all"); err != nil {
		t.Fatal(err)
	}

	val := "go"
	out, err := m.Edit(context.Background(), "alice", "language", &val)
	if err != nil {
		t.Fatal(err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("memory still malformed: %v", err)
	}
	if data["language"] != "go" {
		t.Errorf("memory = %v", data)
	}
}
