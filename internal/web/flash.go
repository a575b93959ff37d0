package web

import (
	"context"
	"sync"
)

// Flash holds the console's notifications until the next page shows them.
type Flash struct {
	mu       sync.Mutex
	messages []string
}

func NewFlash() *Flash {
	return &Flash{}
}

func (f *Flash) Notify(ctx context.Context, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

// Drain returns the pending messages and forgets them.
func (f *Flash) Drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages
	f.messages = nil
	return messages
}
