// Package script executes user-defined JavaScript attached to workflow
// nodes. Scripts run inside goja VMs drawn from a pool, see a declared
// scope (vars, activity, http) and nothing else, and are interrupted
// when their wall-clock budget runs out.
package script

import (
	"context"
	"sync"
	"time"
)

type Runner interface {
	Runner()
}

type RunnerFactory interface {
	NewRunner() Runner
}

// RunnerPool keeps a bounded set of reusable VM runners. The pool grows
// on demand up to max and shrinks back to min when idle.
type RunnerPool struct {
	pool          chan Runner
	runnerFactory RunnerFactory
	activeCount   int
	activeMu      sync.Mutex
	maxPoolSize   int
	minPoolSize   int
}

func NewRunnerPool(ctx context.Context, runnerFactory RunnerFactory, maxPoolSize int, minPoolSize int) *RunnerPool {
	if maxPoolSize < minPoolSize {
		panic("vm pool max size is smaller than vm pool min size")
	}

	p := RunnerPool{
		pool:          make(chan Runner, maxPoolSize),
		runnerFactory: runnerFactory,
		maxPoolSize:   maxPoolSize,
		minPoolSize:   minPoolSize,
	}

	for i := 0; i < minPoolSize; i++ {
		p.activeMu.Lock()
		p.pool <- p.runnerFactory.NewRunner()
		p.activeCount++
		p.activeMu.Unlock()
	}

	// shrink idle runners back to the minimum every 10 minutes
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for len(p.pool) > minPoolSize {
					p.activeMu.Lock()
					<-p.pool
					p.activeCount--
					p.activeMu.Unlock()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return &p
}

func (p *RunnerPool) Get() Runner {
	var runner Runner
	select {
	case runner = <-p.pool:
	default:
		p.activeMu.Lock()
		if p.activeCount < p.maxPoolSize {
			runner = p.runnerFactory.NewRunner()
			p.activeCount++
		}
		p.activeMu.Unlock()
		if runner == nil {
			runner = <-p.pool
		}
	}
	return runner
}

func (p *RunnerPool) Put(runner Runner) {
	select {
	case p.pool <- runner:
	default:
		p.activeMu.Lock()
		p.activeCount--
		p.activeMu.Unlock()
	}
}
