package guildchat

import (
	"sort"
	"sync"
)

// MessageStore is the in-memory, ordered, deduplicated message collection of
// one chat session. Messages are kept newest first: descending by CreatedAt,
// ties broken by descending ID. Every mutation re-sorts the whole collection,
// so live frames and history pages may arrive in any order.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{}
}

// Upsert replaces the message with the same ID, or inserts it.
func (s *MessageStore) Upsert(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.messages {
		if s.messages[i].ID == msg.ID {
			s.messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		s.messages = append(s.messages, msg)
	}
	sortMessages(s.messages)
}

// Remove drops the message with the given ID. It reports whether anything
// was removed; removing an absent ID is a no-op.
func (s *MessageStore) Remove(id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	removed := false
	for _, m := range s.messages {
		if m.ID == id {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return removed
}

// MergeOlderPage appends a page of older history and restores ordering.
// IDs already present are not duplicated: a message delivered live while the
// page was in flight keeps its live copy.
func (s *MessageStore) MergeOlderPage(items []Message) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := append(s.messages, items...)
	s.messages = dedupe(merged)
	sortMessages(s.messages)
}

// Messages returns a copy of the ordered collection.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Get returns the message with the given ID.
func (s *MessageStore) Get(id MessageID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// dedupe keeps the first occurrence of each ID.
func dedupe(msgs []Message) []Message {
	seen := make(map[MessageID]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
}
