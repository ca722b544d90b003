package domain

import (
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultMaxRetainedTrails is the default number of per-job event trails kept in
// memory for the events endpoint. Older trails are evicted as new jobs arrive.
const DefaultMaxRetainedTrails = 256

// EventKind identifies one lifecycle transition of a job.
type EventKind string

const (
	EventRequestReceived    EventKind = "request_received"
	EventValidationPassed   EventKind = "validation_passed"
	EventValidationFailed   EventKind = "validation_failed"
	EventGpuBusyRejected    EventKind = "gpu_busy_rejected"
	EventInferenceStarted   EventKind = "inference_started"
	EventInferenceCompleted EventKind = "inference_completed"
	EventInferenceFailed    EventKind = "inference_failed"
	EventCallbackSentAsset  EventKind = "callback_sent_asset"
	EventCallbackRetrying   EventKind = "callback_retrying"
	EventCallbackFailed     EventKind = "callback_failed"
	EventCleanupComplete    EventKind = "cleanup_complete"
)

func (k EventKind) String() string {
	return string(k)
}

// LifecycleEvent is one structured record of a job lifecycle transition.
type LifecycleEvent struct {
	NodeId    string                 `json:"node_id"`
	JobId     string                 `json:"job_id,omitempty"`
	Kind      EventKind              `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// EventObserver is notified of every emitted event. The Prometheus manager registers
// one to keep its counters in sync with the lifecycle stream.
type EventObserver func(*LifecycleEvent)

// EventEmitter records structured lifecycle events for operator consumption.
// Every event is written to the log in JSON form, forwarded to any registered
// observers, and retained in a bounded per-job trail so that the relative
// ordering of a job's transitions remains observable after the fact.
type EventEmitter struct {
	log    logger.Logger
	nodeId string

	observers []EventObserver

	// trails maps job_id -> ordered slice of that job's events.
	trails cmap.ConcurrentMap[string, []*LifecycleEvent]

	// orderMu guards jobOrder, the arrival order of retained trails. When more than
	// maxTrails jobs have trails, the oldest is evicted.
	orderMu   sync.Mutex
	jobOrder  []string
	maxTrails int
}

func NewEventEmitter(nodeId string) *EventEmitter {
	emitter := &EventEmitter{
		nodeId:    nodeId,
		trails:    cmap.New[[]*LifecycleEvent](),
		maxTrails: DefaultMaxRetainedTrails,
	}
	config.InitLogger(&emitter.log, emitter)
	return emitter
}

// WithTrailLimit replaces the retention bound. Intended for tests.
func (e *EventEmitter) WithTrailLimit(limit int) *EventEmitter {
	e.maxTrails = limit
	return e
}

// AddObserver registers an observer for all subsequently-emitted events.
// Not safe to call concurrently with Emit; observers are registered during wiring.
func (e *EventEmitter) AddObserver(observer EventObserver) {
	e.observers = append(e.observers, observer)
}

// Emit records one lifecycle event. The extra fields are merged into the JSON record.
func (e *EventEmitter) Emit(kind EventKind, jobId string, message string, extra map[string]interface{}) {
	event := &LifecycleEvent{
		NodeId:    e.nodeId,
		JobId:     jobId,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Extra:     extra,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		e.log.Error("Failed to marshal %s event for job %s: %v", kind, jobId, err)
	} else {
		e.log.Info("%s", string(encoded))
	}

	if jobId != "" {
		var firstEvent bool
		e.trails.Upsert(jobId, nil, func(exists bool, current []*LifecycleEvent, _ []*LifecycleEvent) []*LifecycleEvent {
			firstEvent = !exists
			return append(current, event)
		})

		if firstEvent {
			e.retain(jobId)
		}
	}

	for _, observer := range e.observers {
		observer(event)
	}
}

// Trail returns the ordered events recorded so far for the given job.
func (e *EventEmitter) Trail(jobId string) []*LifecycleEvent {
	trail, ok := e.trails.Get(jobId)
	if !ok {
		return nil
	}

	return trail
}

// Kinds returns just the event kinds of the given job's trail, in emission order.
func (e *EventEmitter) Kinds(jobId string) []EventKind {
	trail := e.Trail(jobId)
	kinds := make([]EventKind, 0, len(trail))
	for _, event := range trail {
		kinds = append(kinds, event.Kind)
	}

	return kinds
}

// retain records the arrival of a new trail and evicts the oldest trails once the
// retention bound is exceeded.
func (e *EventEmitter) retain(jobId string) {
	e.orderMu.Lock()
	defer e.orderMu.Unlock()

	e.jobOrder = append(e.jobOrder, jobId)
	for len(e.jobOrder) > e.maxTrails {
		evicted := e.jobOrder[0]
		e.jobOrder = e.jobOrder[1:]
		e.trails.Remove(evicted)
	}
}

// Forget discards the retained trail of the given job.
func (e *EventEmitter) Forget(jobId string) {
	e.trails.Remove(jobId)

	e.orderMu.Lock()
	defer e.orderMu.Unlock()
	for i, retained := range e.jobOrder {
		if retained == jobId {
			e.jobOrder = append(e.jobOrder[:i], e.jobOrder[i+1:]...)
			break
		}
	}
}
