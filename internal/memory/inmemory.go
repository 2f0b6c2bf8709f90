package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process document store for local/dev use.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
	now  func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]*Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Get(_ context.Context, userID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *InMemoryStore) PutProfile(_ context.Context, userID string, profile Profile, merge bool) error {
	profile.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[userID]
	if !ok || !merge {
		s.docs[userID] = &Document{UserID: userID, Profile: &profile, ChatHistory: []Turn{}}
		return nil
	}
	base := Profile{}
	if doc.Profile != nil {
		base = *doc.Profile
	}
	merged := mergeProfile(base, profile)
	doc.Profile = &merged
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, userID string, turn Turn) (Turn, error) {
	turn.Timestamp = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[userID]
	if !ok {
		doc = &Document{UserID: userID}
		s.docs[userID] = doc
	}
	doc.ChatHistory = append(doc.ChatHistory, turn)
	return turn, nil
}

func (s *InMemoryStore) ClearTranscript(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[userID]; ok {
		doc.ChatHistory = []Turn{}
	}
	return nil
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func cloneDocument(doc *Document) *Document {
	c := &Document{UserID: doc.UserID}
	if doc.Profile != nil {
		p := *doc.Profile
		c.Profile = &p
	}
	c.ChatHistory = make([]Turn, len(doc.ChatHistory))
	copy(c.ChatHistory, doc.ChatHistory)
	return c
}
