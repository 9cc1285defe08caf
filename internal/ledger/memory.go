package ledger

import "context"

// Memory is the ephemeral ledger. It starts empty on every run, so a
// restart may reply to a post again.
type Memory struct {
	ids set
}

// NewMemory returns an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{ids: make(set)}
}

func (m *Memory) Contains(id string) bool { return m.ids.has(id) }

func (m *Memory) Record(_ context.Context, id string) error {
	m.ids[id] = struct{}{}
	return nil
}

func (m *Memory) Len() int { return len(m.ids) }

func (m *Memory) Close() error { return nil }
