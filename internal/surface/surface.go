// Package surface defines where a rendered task list is displayed and how
// delivery failures are classified.
package surface

import (
	"context"
	"errors"
	"sync"

	"todoline/internal/domain"
)

var (
	// ErrGone means the surface no longer exists; its session should be dropped.
	ErrGone = errors.New("display surface gone")
	// ErrTransient means delivery failed for now (rate limit, server error).
	ErrTransient = errors.New("display surface temporarily unavailable")
)

// Button is one toggle control shown next to a task list.
type Button struct {
	TaskID int64  `json:"task_id"`
	Label  string `json:"label"`
	Done   bool   `json:"done"`
}

// Content is one render of a task list.
type Content struct {
	SessionID string        `json:"session_id"`
	Date      string        `json:"date"`
	Text      string        `json:"text"`
	Tasks     []domain.Task `json:"tasks"`
	Buttons   []Button      `json:"buttons,omitempty"`
	Disabled  bool          `json:"disabled"`
}

type Surface interface {
	Update(ctx context.Context, c Content) error
}

// Memory keeps the latest content so it can be read back, e.g. by polling clients.
type Memory struct {
	mu      sync.RWMutex
	latest  Content
	updates int
	gone    bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Update(_ context.Context, c Content) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return ErrGone
	}
	m.latest = c
	m.updates++
	return nil
}

// Latest returns the last delivered content and how many updates were delivered.
func (m *Memory) Latest() (Content, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.updates
}

// Remove makes every later Update fail with ErrGone.
func (m *Memory) Remove() {
	m.mu.Lock()
	m.gone = true
	m.mu.Unlock()
}
