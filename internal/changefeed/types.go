package changefeed

import (
	"context"

	"github.com/livinlefevreloca/tasksync/internal/records"
)

// Reloader rebuilds an in-memory view after tables changed in the store
type Reloader interface {
	Reload(ctx context.Context, tables []records.Table) error
}

// ReloaderFunc adapts a function to Reloader
type ReloaderFunc func(ctx context.Context, tables []records.Table) error

func (f ReloaderFunc) Reload(ctx context.Context, tables []records.Table) error {
	return f(ctx, tables)
}

// Stats provides current subscriber statistics
type Stats struct {
	Buffered int
	Applied  int64
	Batches  int64
	Failed   int64
	Dropped  int64

	// Reload hook failures, counted per hook call
	ReloadFailed int64
}
