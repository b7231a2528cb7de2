package governor

import (
	"context"
	"time"

	"github.com/mbd888/fraudlens/internal/retry"
)

// Clock is the governor's view of time. Every suspension point goes through
// Sleep so tests can run the full retry schedule instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	return retry.ContextSleep(ctx, d)
}
