package daemon

import (
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// SchedulerStatus is a point-in-time snapshot of the GPU scheduler's state.
type SchedulerStatus struct {
	Busy         bool
	CurrentJobId string

	// QueueLength is always 0 or 1 in this design. There is no real queue; a second
	// arrival while busy is rejected, not queued. The field exists so that upstream
	// dispatchers polling /gpu/status see the shape they expect.
	QueueLength int
}

// GpuScheduler owns the node's single-flight busy/idle resource. All access to the
// busy state is funneled through Acquire/Release; the check-then-set in Acquire is
// a single indivisible operation, so concurrent callers racing to acquire can never
// both succeed. Once Acquire returns true for a job, no other Acquire call returns
// true until that job's Release completes.
type GpuScheduler struct {
	mu  sync.Mutex
	log logger.Logger

	busy         bool
	currentJobId string
}

func NewGpuScheduler() *GpuScheduler {
	scheduler := &GpuScheduler{}
	config.InitLogger(&scheduler.log, scheduler)
	return scheduler
}

// Acquire atomically claims the GPU for the given job. If the GPU is already busy,
// Acquire returns false without side effects.
func (s *GpuScheduler) Acquire(jobId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		s.log.Debug("GPU busy with job %s; cannot accept job %s.", s.currentJobId, jobId)
		return false
	}

	s.busy = true
	s.currentJobId = jobId
	s.log.Debug("Job %s acquired the GPU.", jobId)

	return true
}

// Release returns the GPU to the idle state. Releasing an already-idle scheduler is
// safe; it should not occur under correct use, so it is logged as a warning, but it
// must not corrupt state.
func (s *GpuScheduler) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.busy {
		s.log.Warn("Release called while the GPU was already idle.")
		return
	}

	s.log.Debug("Job %s released the GPU.", s.currentJobId)
	s.busy = false
	s.currentJobId = ""
}

// Status returns a consistent snapshot of the scheduler's state. The invariant
// Busy == (CurrentJobId != "") holds for every snapshot.
func (s *GpuScheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueLength := 0
	if s.busy {
		queueLength = 1
	}

	return SchedulerStatus{
		Busy:         s.busy,
		CurrentJobId: s.currentJobId,
		QueueLength:  queueLength,
	}
}
