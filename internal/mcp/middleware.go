package mcp

import (
	"context"
	"encoding/json"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"
)

// projectLocks serializes tool calls per project. A session is mutated by
// every stage run, so two calls on one project must not interleave.
type projectLocks struct {
	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[string]*projectLock)}
}

// lock blocks until id is free or ctx is done. The returned func releases it.
func (p *projectLocks) lock(ctx context.Context, id string) (func(), error) {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &projectLock{sem: semaphore.NewWeighted(1)}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		p.unref(id, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		p.unref(id, l)
	}, nil
}

func (p *projectLocks) unref(id string, l *projectLock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, id)
	}
}

// size reports how many projects have holders or waiters.
func (p *projectLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

// projectLockMiddleware holds the project lock for the duration of any tool
// call whose arguments name a project_id.
func projectLockMiddleware(locks *projectLocks) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			if method != "tools/call" {
				return next(ctx, method, req)
			}
			call, ok := req.(*sdkmcp.CallToolRequest)
			if !ok || call.Params == nil || len(call.Params.Arguments) == 0 {
				return next(ctx, method, req)
			}
			var args struct {
				ProjectID string `json:"project_id"`
			}
			if err := json.Unmarshal(call.Params.Arguments, &args); err != nil || args.ProjectID == "" {
				return next(ctx, method, req)
			}

			unlock, err := locks.lock(ctx, args.ProjectID)
			if err != nil {
				return nil, err
			}
			defer unlock()
			return next(ctx, method, req)
		}
	}
}
