package live

import (
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// DefaultCoalesceWindow is how long a message stays open for same-speaker fragments.
const DefaultCoalesceWindow = 5 * time.Second

// Fragment is one partial transcript as it arrived.
type Fragment struct {
	Role Role
	Text string
	At   time.Time
}

// Step is one entry of a Procedure.
type Step struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"isCompleted"`
}

// Procedure is a structured, ordered repair checklist produced by a tool.
type Procedure struct {
	Title         string   `json:"title"`
	Tools         []string `json:"tools"`
	Steps         []Step   `json:"steps"`
	EstimatedTime string   `json:"estimatedTime"`
}

// Message is one chat entry. A message with a Guide is never merged into.
type Message struct {
	ID        string
	Role      Role
	Text      string
	UpdatedAt time.Time
	Guide     *Procedure
}

// Aggregator folds streaming fragments into discrete messages.
//
// A fragment is appended to the most recent message when that message has the
// same role, was updated less than the window ago, and carries no guide.
// Otherwise a new message starts.
type Aggregator struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	newID   func() string
	history []Message
}

// NewAggregator creates an Aggregator. A zero window uses DefaultCoalesceWindow.
func NewAggregator(window time.Duration, now func() time.Time, newID func() string) *Aggregator {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{window: window, now: now, newID: newID}
}

// Add folds one fragment and returns it with the message it landed in.
func (a *Aggregator) Add(role Role, text string) (Fragment, Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	frag := Fragment{Role: role, Text: text, At: now}

	if n := len(a.history); n > 0 {
		last := &a.history[n-1]
		if last.Role == role && now.Sub(last.UpdatedAt) < a.window && last.Guide == nil {
			last.Text += text
			last.UpdatedAt = now
			return frag, *last
		}
	}

	msg := Message{ID: a.newID(), Role: role, Text: text, UpdatedAt: now}
	a.history = append(a.history, msg)
	return frag, msg
}

// AddGuide appends a structured message. It always starts a new message.
func (a *Aggregator) AddGuide(role Role, text string, guide *Procedure) Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg := Message{ID: a.newID(), Role: role, Text: text, UpdatedAt: a.now(), Guide: guide}
	a.history = append(a.history, msg)
	return msg
}

// Post appends a standalone message, such as a system notice.
func (a *Aggregator) Post(role Role, text string) Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg := Message{ID: a.newID(), Role: role, Text: text, UpdatedAt: a.now()}
	a.history = append(a.history, msg)
	return msg
}

// History returns a copy of every message in order.
func (a *Aggregator) History() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.history))
	copy(out, a.history)
	return out
}
