package domain

import "time"

// Task represents a single todo item.
type Task struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Completed bool       `json:"completed"`
	CreatedAt time.Time  `json:"created_at"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}
