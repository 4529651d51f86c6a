package journal

import "time"

// Entry is one journaled dispatch call.
type Entry struct {
	ID         string    `json:"id"`
	Plugin     string    `json:"plugin"`
	Endpoint   string    `json:"endpoint"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"durationMs"`
	Error      *string   `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FailureCount aggregates failed dispatches per plugin.
type FailureCount struct {
	Plugin string `json:"plugin"`
	Count  int64  `json:"count"`
}
