package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrDispatcherStopped = errors.New("dispatcher stopped")

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*keyQueue // job queue for each key
	ready     *list.List           // LRU queue storing keys
	positions map[string]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout)

	d := &Dispatcher{
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
	}

	for i := 0; i < pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the key in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // force congestion
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// Submit queues a job, blocking while the intake queue is full.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	select {
	case d.JobQueue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherStopped
	}
}

// RunAll runs every task under key and waits for all of them. On ctx
// cancellation the tasks still queued are dropped and ctx's error is returned.
func (d *Dispatcher) RunAll(ctx context.Context, key string, tasks []Task) error {
	dones := make([]chan struct{}, 0, len(tasks))
	for _, task := range tasks {
		done := make(chan struct{})
		job := Job{Type: Run, Key: key, Context: ctx, Task: task, done: done}
		if err := d.Submit(ctx, job); err != nil {
			d.CancelKey(key)
			return err
		}
		dones = append(dones, done)
	}
	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			d.CancelKey(key)
			return ctx.Err()
		case <-d.quit:
			return ErrDispatcherStopped
		}
	}
	return nil
}

// CancelKey drops queued jobs for key. Running jobs are not interrupted.
func (d *Dispatcher) CancelKey(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
}

// Stop halts dispatching and retires idle workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.stop()
	})
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// next pops one job from the key at the front of the LRU queue and moves
// that key to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// last job of this key, key leaves the ready queue
		delete(d.queues, key)
		d.ready.Remove(elem)
		delete(d.positions, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

// dispatchOne hands the next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	debugLog("[dispatcher] assign job %s for %s to worker-%d", job.Type, job.Key, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}
