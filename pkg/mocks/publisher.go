package mocks

import (
	"sync"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
)

type PublishedEvent struct {
	Name    string
	Payload interface{}
}

// Publisher records every event handed to it.
type Publisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

func (p *Publisher) Publish(eventName string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Name: eventName, Payload: payload})
}

func (p *Publisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// Blocks returns the published payloads that are blocks, in publish order.
func (p *Publisher) Blocks() []*ledger.Block {
	var out []*ledger.Block
	for _, e := range p.Events() {
		if b, ok := e.Payload.(*ledger.Block); ok {
			out = append(out, b)
		}
	}
	return out
}

// BlockStorage is an in-memory listener sink.
type BlockStorage struct {
	mu     sync.Mutex
	blocks []ledger.Block
	Err    error
}

func (s *BlockStorage) Store(block *ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.blocks = append(s.blocks, *block)
	return nil
}

func (s *BlockStorage) StoreBulk(blocks []ledger.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.blocks = append(s.blocks, blocks...)
	return nil
}

func (s *BlockStorage) Blocks() []ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}
