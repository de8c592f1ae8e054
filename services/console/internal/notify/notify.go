// Package notify keeps the transient toast notifications shown to operators.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

const defaultTitle = "System Alert"

// Notification is one toast.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Center holds active notifications and dismisses each after ttl.
type Center struct {
	ttl time.Duration

	mu     sync.Mutex
	items  []Notification
	timers map[string]*time.Timer
	subs   map[int]chan Notification
	nextID int
}

func NewCenter(ttl time.Duration) *Center {
	return &Center{
		ttl:    ttl,
		timers: make(map[string]*time.Timer),
		subs:   make(map[int]chan Notification),
	}
}

// Notify adds a notification. An empty title becomes "System Alert".
func (c *Center) Notify(kind Kind, title, message string) Notification {
	if title == "" {
		title = defaultTitle
	}
	n := Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.items = append(c.items, n)
	c.timers[n.ID] = time.AfterFunc(c.ttl, func() { c.Remove(n.ID) })
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
	c.mu.Unlock()
	return n
}

// Remove dismisses a notification. Unknown ids are ignored.
func (c *Center) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

// List returns active notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

// Subscribe delivers new notifications until cancel is called. Slow
// subscribers miss notifications rather than block producers.
func (c *Center) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 16)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
