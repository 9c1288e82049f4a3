package session

import (
	"sync"

	"github.com/user/cutroom/internal/types"
)

// Mailbox is a single-slot, last-writer-wins queue used by producers that want
// to inject a user message into a project's chat without knowing the consumer.
// It lives in memory only.
type Mailbox struct {
	mu   sync.Mutex
	slot *types.QueuedMessage
	subs map[int]chan struct{}
	next int
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{subs: make(map[int]chan struct{})}
}

// Queue sets the slot, overwriting any item that has not been consumed yet.
func (m *Mailbox) Queue(projectID types.ProjectID, content string) {
	m.mu.Lock()
	m.slot = &types.QueuedMessage{ProjectID: projectID, Content: content}
	subs := make([]chan struct{}, 0, len(m.subs))
	for _, ch := range m.subs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Peek returns a copy of the pending item, or nil.
func (m *Mailbox) Peek() *types.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil {
		return nil
	}
	item := *m.slot
	return &item
}

// Take clears the slot and returns its content if it targets projectID.
// A pending item for another project is left in place.
func (m *Mailbox) Take(projectID types.ProjectID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slot == nil || m.slot.ProjectID != projectID {
		return "", false
	}
	content := m.slot.Content
	m.slot = nil
	return content, true
}

// Clear empties the slot without waking subscribers.
func (m *Mailbox) Clear() {
	m.mu.Lock()
	m.slot = nil
	m.mu.Unlock()
}

// Subscribe returns a channel that receives a wake-up after every Queue call.
// Wake-ups coalesce; consumers must Peek or Take to see the item.
func (m *Mailbox) Subscribe() (<-chan struct{}, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan struct{}, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
