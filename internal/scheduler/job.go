package scheduler

// Job is a unit of work executed by a pool worker. w is the worker running it.
//
// A broadcast pushes the same Job to every worker, so Execute may run
// concurrently on several workers and must only touch per-worker state
// reachable through w.Index().
type Job interface {
	Execute(w *Worker)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(w *Worker)

func (f JobFunc) Execute(w *Worker) { f(w) }

// JobRef is the handle that moves through deques and queues. Queues store
// *JobRef so that one allocation serves all N copies of a broadcast.
type JobRef struct {
	job Job
}

// NewJobRef wraps job for scheduling.
func NewJobRef(job Job) *JobRef {
	return &JobRef{job: job}
}

func (r *JobRef) execute(w *Worker) {
	r.job.Execute(w)
}
