package api

import (
	"context"
	"time"

	"nata-api/domain"
	"nata-api/netinfo"
	"nata-api/tasks"
)

// TaskStore abstracts the task domain operations for handlers.
type TaskStore interface {
	ListAll(ctx context.Context) ([]domain.Task, error)
	Create(ctx context.Context, title string, due *time.Time) (domain.Task, error)
	Toggle(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	BatchDelete(ctx context.Context, ids []int64) (int64, error)
}

// Transfer abstracts the import/export codec.
type Transfer interface {
	Export(ctx context.Context, ids []int64) (*tasks.Document, error)
	Import(ctx context.Context, data []byte) (tasks.Summary, error)
}

// NetworkResolver is implemented by types able to describe how the server is
// reachable on the LAN.
type NetworkResolver interface {
	Resolve() (netinfo.Info, error)
}

// LogTailer serves the most recent buffered log lines.
type LogTailer interface {
	Tail(n int) []string
}

// Pinger is implemented by stores that can verify their backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}
