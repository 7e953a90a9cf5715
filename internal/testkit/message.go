package testkit

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"meridian/internal/message"
	apperrors "meridian/pkg/errors"
)

type MessageStore struct {
	mu       sync.Mutex
	seq      int
	messages map[string]*message.Message
}

func NewMessageStore(uow *UnitOfWork) *MessageStore {
	s := &MessageStore{messages: make(map[string]*message.Message)}
	uow.register(s)
	return s
}

func (s *MessageStore) snapshot() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := maps.Clone(s.messages)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages = saved
	}
}

func (s *MessageStore) Save(_ context.Context, content string, contentType message.ContentType) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg := &message.Message{
		ID:          fmt.Sprintf("msg-%d", s.seq),
		Content:     content,
		ContentType: contentType,
		ContentHash: message.Hash(content),
		CreatedAt:   time.Now().UTC(),
	}
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *MessageStore) Get(_ context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound.WithDetail("message_id", id)
	}
	cp := *msg
	return &cp, nil
}

func (s *MessageStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return apperrors.ErrMessageNotFound.WithDetail("message_id", id)
	}
	delete(s.messages, id)
	return nil
}

func (s *MessageStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
