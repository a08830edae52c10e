package steward

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ProtectedMemoryField is the memory subtree writable only through host
// code (EditProtected). The manage_memory tool rejects edits to it.
const ProtectedMemoryField = "protected_memory"

// Memory manages the per-user memory blob: a JSON object the agent reads
// on every turn (inlined into the system prompt) and edits through the
// manage_memory tool. Blobs are capped at a byte limit; over-length input
// is truncated.
type Memory struct {
	store    Store
	limit    int
	template string
}

// NewMemory wraps store with a byte limit and the default template JSON
// returned (and persisted) when a user has no memory yet.
func NewMemory(store Store, limit int, template string) *Memory {
	return &Memory{store: store, limit: limit, template: template}
}

// Get returns the memory blob for username, seeding the default template
// on first access.
func (m *Memory) Get(ctx context.Context, username string) (string, error) {
	mem, err := m.store.UserMemory(ctx, username)
	if err != nil {
		return "", err
	}
	if mem == "" {
		mem = m.template
		if err := m.store.SetUserMemory(ctx, username, mem); err != nil {
			return "", err
		}
	}
	return mem, nil
}

// Set persists memory for username, trimming whitespace and truncating at
// the configured limit. Returns the stored value.
func (m *Memory) Set(ctx context.Context, username, memory string) (string, error) {
	memory = trimToLimit(memory, m.limit)
	if err := m.store.SetUserMemory(ctx, username, memory); err != nil {
		return "", err
	}
	return memory, nil
}

// Reset restores the default template for username.
func (m *Memory) Reset(ctx context.Context, username string) (string, error) {
	return m.Set(ctx, username, m.template)
}

// Edit sets field to value in username's memory JSON, or removes the field
// when value is nil. Edits to the protected subtree are rejected.
func (m *Memory) Edit(ctx context.Context, username, field string, value *string) (string, error) {
	if field == ProtectedMemoryField {
		return "", fmt.Errorf("field %q is host-managed", ProtectedMemoryField)
	}
	return m.edit(ctx, username, func(data map[string]any) {
		if value == nil {
			delete(data, field)
		} else {
			data[field] = *value
		}
	})
}

// EditProtected sets field to value inside the protected_memory subtree,
// or removes it when value is nil. Only host code calls this; the subtree
// is invisible to the manage_memory tool's write path.
func (m *Memory) EditProtected(ctx context.Context, username, field string, value *string) (string, error) {
	return m.edit(ctx, username, func(data map[string]any) {
		sub, _ := data[ProtectedMemoryField].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
		}
		if value == nil {
			delete(sub, field)
		} else {
			sub[field] = *value
		}
		data[ProtectedMemoryField] = sub
	})
}

func (m *Memory) edit(ctx context.Context, username string, mutate func(map[string]any)) (string, error) {
	text, err := m.Get(ctx, username)
	if err != nil {
		return "", err
	}
	data := map[string]any{}
	// A malformed blob starts over from an empty object.
	_ = json.Unmarshal([]byte(text), &data)
	mutate(data)
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return m.Set(ctx, username, string(out))
}

// trimToLimit trims whitespace and truncates to at most limit bytes.
func trimToLimit(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit > 0 && len(s) > limit {
		s = s[:limit]
	}
	return s
}
