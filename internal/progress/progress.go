// Package progress pushes incremental benchmark progress to external
// subscribers. Delivery is fire-and-forget: the benchmark core never blocks
// or fails when no subscriber is listening.
package progress

import "time"

// Update is one progress notification from an in-flight run or search.
type Update struct {
	RunID      string    `json:"run_id"`
	Phase      string    `json:"phase,omitempty"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	CurrentTPS float64   `json:"current_tps"`
	ETASeconds float64   `json:"eta_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher receives progress updates. Implementations must not block.
type Publisher interface {
	Publish(Update)
}

// NopPublisher discards all updates.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Update) {}

// Func adapts a function to the Publisher interface.
type Func func(Update)

// Publish implements Publisher.
func (f Func) Publish(u Update) { f(u) }
