package worker

import (
	"context"
	"fmt"

	"dealcheck/internal/config"
)

type Worker struct {
	id         int64
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int64, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Stop:
				debugLog("[worker-%d] stop", w.id)
				w.pool.retire(w.jobChannel)
				return
			case Run:
				w.run(job)
				if !w.pool.Release(w.jobChannel) {
					w.pool.retire(w.jobChannel)
					return
				}
			}
		}
	}()
}

func (w *Worker) run(job Job) {
	defer job.finish()
	defer func() {
		if r := recover(); r != nil {
			config.LogError(config.GetLogger(), "worker", "run", job.Key, nil, fmt.Errorf("task panic: %v", r))
		}
	}()
	ctx := job.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	if job.Task != nil {
		job.Task(ctx)
	}
}
