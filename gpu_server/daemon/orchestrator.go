package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
	"github.com/salahudeenofficial/qwen-production/gpu_server/invoker"
)

// InferenceOrchestrator runs accepted jobs off the request path. Each job executes
// on its own goroutine, tracked by a WaitGroup so that graceful shutdown can join
// in-flight work instead of silently dropping it. Whatever happens inside the
// engine invocation -- a normal result, an engine-reported error, or a panic --
// the orchestrator constructs exactly one InferenceResult, hands it to the
// dispatcher exactly once, and releases the scheduler exactly once.
type InferenceOrchestrator struct {
	log logger.Logger

	scheduler  *GpuScheduler
	engine     invoker.EngineInvoker
	dispatcher Dispatcher
	emitter    *domain.EventEmitter
	statistics *NodeStatistics

	modelVersion string

	inFlight sync.WaitGroup
}

func NewInferenceOrchestrator(scheduler *GpuScheduler, engine invoker.EngineInvoker, dispatcher Dispatcher,
	emitter *domain.EventEmitter, statistics *NodeStatistics, modelVersion string) *InferenceOrchestrator {

	orchestrator := &InferenceOrchestrator{
		scheduler:    scheduler,
		engine:       engine,
		dispatcher:   dispatcher,
		emitter:      emitter,
		statistics:   statistics,
		modelVersion: modelVersion,
	}
	config.InitLogger(&orchestrator.log, orchestrator)
	return orchestrator
}

// Execute runs the given accepted job on a new goroutine and returns immediately.
// The caller must already hold the scheduler on the job's behalf.
func (o *InferenceOrchestrator) Execute(job *domain.Job) {
	o.inFlight.Add(1)

	go func() {
		defer o.inFlight.Done()
		defer o.cleanup(job)

		result := o.runInference(job)
		o.dispatcher.Deliver(job, result)
	}()
}

// Wait blocks until every in-flight job has finished its inference, callback
// sequence, and cleanup. Used at shutdown.
func (o *InferenceOrchestrator) Wait() {
	o.inFlight.Wait()
}

// runInference invokes the engine and converts any outcome into an InferenceResult.
// A panic raised inside the engine is recovered and reported as a fault so that it
// can never escape the job's goroutine or leave the node permanently busy.
func (o *InferenceOrchestrator) runInference(job *domain.Job) (result *domain.InferenceResult) {
	job.State = domain.JobRunning
	o.emitter.Emit(domain.EventInferenceStarted, job.JobId,
		fmt.Sprintf("Inference started for job %s", job.JobId), nil)

	start := time.Now()

	defer func() {
		if fault := recover(); fault != nil {
			duration := time.Since(start)
			o.log.Error("Inference for job %s panicked after %v: %v", job.JobId, duration, fault)
			result = o.failed(job, duration, fmt.Sprintf("inference panicked: %v", fault))
		}
	}()

	output, err := o.engine.InvokeWithContext(context.Background(), &invoker.InferenceRequest{
		JobId:            job.JobId,
		MaskedImagePath:  job.MaskedImagePath,
		GarmentImagePath: job.GarmentImagePath,
		Prompt:           job.Config.Prompt,
		Seed:             job.Config.Seed,
		Steps:            job.Config.Steps,
		Cfg:              job.Config.Cfg,
	})
	duration := time.Since(start)

	if err != nil {
		o.log.Error("Inference for job %s failed after %v: %v", job.JobId, duration, err)
		return o.failed(job, duration, err.Error())
	}

	job.State = domain.JobSucceeded
	o.statistics.InferenceCompleted(duration)
	o.emitter.Emit(domain.EventInferenceCompleted, job.JobId,
		fmt.Sprintf("Inference completed for job %s in %dms", job.JobId, duration.Milliseconds()),
		map[string]interface{}{"inference_time_ms": duration.Milliseconds()})

	return &domain.InferenceResult{
		JobId:        job.JobId,
		OutputPath:   output.OutputPath,
		ModelVersion: o.modelVersion,
		Duration:     duration,
	}
}

func (o *InferenceOrchestrator) failed(job *domain.Job, duration time.Duration, message string) *domain.InferenceResult {
	job.State = domain.JobFailed
	o.statistics.InferenceFailed()
	o.emitter.Emit(domain.EventInferenceFailed, job.JobId,
		fmt.Sprintf("Inference failed for job %s: %s", job.JobId, message),
		map[string]interface{}{"error": message})

	return &domain.InferenceResult{
		JobId:      job.JobId,
		Duration:   duration,
		ErrKind:    domain.ErrKindInferenceFault,
		ErrMessage: message,
	}
}

// cleanup removes the job's temporary input artifacts and releases the scheduler.
// It runs on every exit path of the job's goroutine, so a fault anywhere in the
// orchestration-plus-callback sequence can never leave the node permanently busy.
func (o *InferenceOrchestrator) cleanup(job *domain.Job) {
	for _, path := range []string{job.MaskedImagePath, job.GarmentImagePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.log.Warn("Failed to remove temporary artifact %s of job %s: %v", path, job.JobId, err)
		}
	}

	o.scheduler.Release()

	o.emitter.Emit(domain.EventCleanupComplete, job.JobId,
		fmt.Sprintf("Cleanup complete for job %s", job.JobId), nil)
}
