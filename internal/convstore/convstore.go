// Package convstore is a minimal file-backed conversation message store.
// The gateway core treats message persistence as an external collaborator;
// this implementation exists so the server binary runs end to end.
package convstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Message is one persisted conversation entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// conversation IDs become file names; restrict them accordingly.
var validConversationID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store persists conversations as one JSON file each.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// PersistMessage appends a message to a conversation and returns its ID.
func (s *Store) PersistMessage(_ context.Context, conversationID, role, content string) (string, error) {
	if !validConversationID.MatchString(conversationID) {
		return "", fmt.Errorf("invalid conversation id %q", conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.load(conversationID)
	if err != nil {
		return "", err
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	messages = append(messages, msg)

	if err := s.save(conversationID, messages); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Messages returns all messages of a conversation, oldest first.
func (s *Store) Messages(_ context.Context, conversationID string) ([]Message, error) {
	if !validConversationID.MatchString(conversationID) {
		return nil, fmt.Errorf("invalid conversation id %q", conversationID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(conversationID)
}

func (s *Store) path(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".json")
}

func (s *Store) load(conversationID string) ([]Message, error) {
	data, err := os.ReadFile(s.path(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) save(conversationID string, messages []Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	tmp := s.path(conversationID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(conversationID))
}
