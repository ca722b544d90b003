package daemon

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// NodeStatistics accumulates lifetime counters for one serving node. Durations are
// kept as decimals so that cumulative and average figures survive long uptimes
// without floating-point drift.
type NodeStatistics struct {
	mu sync.Mutex

	numJobsAccepted  int64
	numJobsRejected  int64
	numInferences    int64
	numInferenceErrs int64

	cumulativeInferenceMillis decimal.Decimal
}

func NewNodeStatistics() *NodeStatistics {
	return &NodeStatistics{
		cumulativeInferenceMillis: decimal.Zero.Copy(),
	}
}

// JobAccepted records one admitted job.
func (s *NodeStatistics) JobAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numJobsAccepted += 1
}

// JobRejected records one job turned away because the GPU was busy.
func (s *NodeStatistics) JobRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numJobsRejected += 1
}

// InferenceCompleted records one successful inference and its duration.
func (s *NodeStatistics) InferenceCompleted(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numInferences += 1
	s.cumulativeInferenceMillis = s.cumulativeInferenceMillis.Add(decimal.NewFromInt(duration.Milliseconds()))
}

// InferenceFailed records one failed inference.
func (s *NodeStatistics) InferenceFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numInferenceErrs += 1
}

// AverageInferenceMillis returns the mean duration of all successful inferences so far.
func (s *NodeStatistics) AverageInferenceMillis() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numInferences == 0 {
		return decimal.Zero
	}

	return s.cumulativeInferenceMillis.Div(decimal.NewFromInt(s.numInferences))
}

// Snapshot returns the current counter values.
func (s *NodeStatistics) Snapshot() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	average := decimal.Zero
	if s.numInferences > 0 {
		average = s.cumulativeInferenceMillis.Div(decimal.NewFromInt(s.numInferences))
	}

	return map[string]interface{}{
		"jobs_accepted":           s.numJobsAccepted,
		"jobs_rejected":           s.numJobsRejected,
		"inferences_completed":    s.numInferences,
		"inference_errors":        s.numInferenceErrs,
		"cumulative_inference_ms": s.cumulativeInferenceMillis.StringFixed(0),
		"average_inference_ms":    average.StringFixed(2),
	}
}

func (s *NodeStatistics) String() string {
	m, err := json.Marshal(s.Snapshot())
	if err != nil {
		panic(err)
	}

	return string(m)
}
