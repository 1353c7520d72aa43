package internal

// WorkerPool runs queued functions on N goroutines. With N=1 it is a serial executor: work runs
// one at a time in the order it was queued.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
// If more than N work is requested, eventually WorkerPool.Queue will block until some work is done.
//
// The larger N is, the larger the up front memory costs are due to the implementation of WorkerPool.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// If we have >N work, we need to apply backpressure to stop us
		// making more and more work which takes up more and more memory.
		// By setting the channel size to N, we ensure that backpressure is
		// being applied on the producer.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Work already queued still runs. Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// TryQueue queues work if there is buffer space, returning false instead of blocking.
func (wp *WorkerPool) TryQueue(fn func()) bool {
	select {
	case wp.ch <- fn:
		return true
	default:
		return false
	}
}

// Run queues the work and blocks until it has been executed. Must not be called from a function
// already running on this pool when N=1, else it deadlocks.
func (wp *WorkerPool) Run(fn func()) {
	done := make(chan struct{})
	wp.ch <- func() {
		defer close(done)
		fn()
	}
	<-done
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
