package api

import (
	"context"

	"docproc/internal/guard"
	"docproc/internal/jobs"
	"docproc/internal/ratelimit"
)

type Jobs interface {
	CreateJobOnce(ctx context.Context, key string, req jobs.NewJob) (*jobs.Job, bool, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	Cancel(ctx context.Context, id string) (*jobs.Job, error)
}

type Runner interface {
	Trigger(ctx context.Context, id string) (*jobs.Job, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Guard interface {
	BlockInfo(ctx context.Context, identity string) (*guard.BlockInfo, error)
	ClassifyUserAgent(ua string) guard.AgentClass
	TrackRequest(ctx context.Context, identity, endpoint string) (bool, error)
	RecordViolation(ctx context.Context, identity string) (int64, error)
}

type Limiter interface {
	Check(ctx context.Context, identity, class string, windows []ratelimit.Window) ratelimit.Decision
}
