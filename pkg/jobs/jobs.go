// Package jobs implements the daemon's asynchronous work queue: a single
// worker drains jobs in FIFO order and reports typed progress. Enqueue order
// equals effect order.
package jobs

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Func is the body of a job. The returned error becomes the job's failure
// result; a nil return with a non-zero recorded result still counts as
// failed.
type Func func(progress *Progress) error

type queuedJob struct {
	fn       Func
	progress *Progress
}

// Jobs is the single-worker FIFO job queue
type Jobs struct {
	Log *logrus.Entry

	mu      deadlock.Mutex
	cond    *sync.Cond
	queue   []queuedJob
	all     []*Progress
	nextID  ID
	stopped bool
	done    chan struct{}
}

// NewJobs creates the queue and starts its worker
func NewJobs(log *logrus.Entry) *Jobs {
	j := &Jobs{
		Log:    log,
		nextID: 1,
		done:   make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	go j.worker()
	return j
}

// Append enqueues a job and returns its id
func (j *Jobs) Append(fn Func, desc string) ID {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextID
	j.nextID++

	progress := newProgress(id, desc)
	j.all = append(j.all, progress)
	if j.stopped {
		// a closed queue records the job as cancelled instead of running it
		progress.setStatus(StatusCancelled)
		progress.SetResult(-1, "job queue stopped")
		return id
	}
	j.queue = append(j.queue, queuedJob{fn: fn, progress: progress})
	j.cond.Broadcast()

	return id
}

// List snapshots all job progresses in id order
func (j *Jobs) List() []View {
	j.mu.Lock()
	all := make([]*Progress, len(j.all))
	copy(all, j.all)
	j.mu.Unlock()

	views := make([]View, len(all))
	for i, p := range all {
		views[i] = p.Snapshot()
	}
	return views
}

// Get snapshots one job
func (j *Jobs) Get(id ID) (View, bool) {
	if p := j.find(id); p != nil {
		return p.Snapshot(), true
	}
	return View{}, false
}

// Delete removes a terminal job, or cancels one that never ran. Active jobs
// stay: running jobs are not preempted.
func (j *Jobs) Delete(id ID) (Status, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i, p := range j.all {
		if p.JobID() != id {
			continue
		}
		status := p.Status()
		switch {
		case status == StatusQueued:
			// the worker skips cancelled jobs when it pops them
			p.setStatus(StatusCancelled)
			p.SetResult(-1, "cancelled")
			j.cond.Broadcast()
			return StatusCancelled, true
		case status.IsTerminal():
			j.all = append(j.all[:i], j.all[i+1:]...)
			return status, true
		default:
			return status, false
		}
	}
	return "", false
}

// WaitForJob blocks until the job is terminal and returns its result. A job
// id that never existed yields (-1, "no such job").
func (j *Jobs) WaitForJob(id ID) (int, string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for {
		var p *Progress
		for _, candidate := range j.all {
			if candidate.JobID() == id {
				p = candidate
				break
			}
		}
		if p == nil {
			return -1, "no such job"
		}
		if status := p.Status(); status.IsTerminal() {
			result := p.Result()
			return result.Code, result.Message
		}
		j.cond.Wait()
	}
}

// Close stops accepting work and waits for the current job to finish
func (j *Jobs) Close() error {
	j.mu.Lock()
	j.stopped = true
	j.cond.Broadcast()
	j.mu.Unlock()

	<-j.done
	return nil
}

func (j *Jobs) find(id ID) *Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, p := range j.all {
		if p.JobID() == id {
			return p
		}
	}
	return nil
}

func (j *Jobs) worker() {
	defer close(j.done)

	for {
		j.mu.Lock()
		for len(j.queue) == 0 && !j.stopped {
			j.cond.Wait()
		}
		// queued jobs do not outlive a shutdown; only the current one runs
		// to completion
		if j.stopped {
			j.mu.Unlock()
			return
		}
		next := j.queue[0]
		j.queue = j.queue[1:]
		j.mu.Unlock()

		j.run(next)
	}
}

func (j *Jobs) run(job queuedJob) {
	progress := job.progress
	if progress.Status() == StatusCancelled {
		return
	}
	progress.setStatus(StatusRunning)

	err := job.fn(progress)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.Log.Warnf("job %d failed: %s", progress.JobID(), err)
		progress.SetResult(-1, err.Error())
		progress.setStatus(StatusFailed)
	} else if result := progress.Result(); result.Code != 0 {
		progress.setStatus(StatusFailed)
	} else {
		progress.setStatus(StatusSuccessful)
	}
	j.cond.Broadcast()
}
