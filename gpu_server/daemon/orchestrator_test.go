package daemon_test

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/salahudeenofficial/qwen-production/gpu_server/daemon"
	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
	"github.com/salahudeenofficial/qwen-production/gpu_server/invoker"
)

// recordingDispatcher captures every result handed to it instead of POSTing anywhere.
type recordingDispatcher struct {
	mu      sync.Mutex
	results []*domain.InferenceResult
}

func (d *recordingDispatcher) Deliver(_ *domain.Job, result *domain.InferenceResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.results = append(d.results, result)
}

func (d *recordingDispatcher) delivered() []*domain.InferenceResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*domain.InferenceResult{}, d.results...)
}

var _ = Describe("Inference Orchestrator Tests", func() {
	var (
		scheduler  *daemon.GpuScheduler
		dispatcher *recordingDispatcher
		emitter    *domain.EventEmitter
		statistics *daemon.NodeStatistics
		outputDir  string
	)

	BeforeEach(func() {
		scheduler = daemon.NewGpuScheduler()
		dispatcher = &recordingDispatcher{}
		emitter = domain.NewEventEmitter("n1")
		statistics = daemon.NewNodeStatistics()
		outputDir = GinkgoT().TempDir()
	})

	newJob := func(jobId string) *domain.Job {
		Expect(scheduler.Acquire(jobId)).To(BeTrue())
		return &domain.Job{
			JobId:     jobId,
			UserId:    "user-1",
			SessionId: "session-1",
			Provider:  domain.ProviderQwen,
			NodeId:    "n1",
			State:     domain.JobAccepted,
		}
	}

	run := func(engine invoker.EngineInvoker, job *domain.Job) {
		orchestrator := daemon.NewInferenceOrchestrator(scheduler, engine, dispatcher, emitter, statistics, "v1.0")
		orchestrator.Execute(job)
		orchestrator.Wait()
	}

	It("should deliver a successful result and release the scheduler afterwards", func() {
		engine := invoker.NewSimulatedEngineInvoker(0, outputDir)
		job := newJob("job-ok")

		run(engine, job)

		results := dispatcher.delivered()
		Expect(results).To(HaveLen(1))
		Expect(results[0].Succeeded()).To(BeTrue())
		Expect(results[0].OutputPath).To(BeAnExistingFile())
		Expect(results[0].ModelVersion).To(Equal("v1.0"))

		Expect(job.State).To(Equal(domain.JobSucceeded))
		Expect(scheduler.Status().Busy).To(BeFalse())
	})

	It("should emit inference_started, inference_completed, and cleanup_complete in order", func() {
		engine := invoker.NewSimulatedEngineInvoker(0, outputDir)
		job := newJob("job-events")

		run(engine, job)

		Expect(emitter.Kinds(job.JobId)).To(Equal([]domain.EventKind{
			domain.EventInferenceStarted,
			domain.EventInferenceCompleted,
			domain.EventCleanupComplete,
		}))
	})

	It("should convert an engine error into a failed result and still release the scheduler", func() {
		engine := invoker.NewSimulatedEngineInvoker(0, outputDir)
		engine.FailWith = errors.New("CUDA out of memory")
		job := newJob("job-fail")

		run(engine, job)

		results := dispatcher.delivered()
		Expect(results).To(HaveLen(1))
		Expect(results[0].Succeeded()).To(BeFalse())
		Expect(results[0].ErrKind).To(Equal(domain.ErrKindInferenceFault))
		Expect(results[0].ErrMessage).To(ContainSubstring("CUDA out of memory"))

		Expect(job.State).To(Equal(domain.JobFailed))
		Expect(scheduler.Status().Busy).To(BeFalse())
		Expect(emitter.Kinds(job.JobId)).To(Equal([]domain.EventKind{
			domain.EventInferenceStarted,
			domain.EventInferenceFailed,
			domain.EventCleanupComplete,
		}))
	})

	It("should recover an engine panic, deliver exactly one failed result, and release the scheduler", func() {
		engine := invoker.NewSimulatedEngineInvoker(0, outputDir)
		engine.PanicWith = "illegal memory access"
		job := newJob("job-panic")

		run(engine, job)

		results := dispatcher.delivered()
		Expect(results).To(HaveLen(1))
		Expect(results[0].Succeeded()).To(BeFalse())
		Expect(results[0].ErrMessage).To(ContainSubstring("illegal memory access"))

		Expect(scheduler.Status().Busy).To(BeFalse())
		Expect(scheduler.Acquire("job-next")).To(BeTrue())
	})

	It("should remove the job's temporary input artifacts during cleanup", func() {
		engine := invoker.NewSimulatedEngineInvoker(0, outputDir)
		job := newJob("job-artifacts")

		job.MaskedImagePath = filepath.Join(outputDir, "masked_tmp.png")
		job.GarmentImagePath = filepath.Join(outputDir, "garment_tmp.png")
		Expect(os.WriteFile(job.MaskedImagePath, []byte("mask"), 0o644)).To(Succeed())
		Expect(os.WriteFile(job.GarmentImagePath, []byte("garment"), 0o644)).To(Succeed())

		run(engine, job)

		Expect(job.MaskedImagePath).NotTo(BeAnExistingFile())
		Expect(job.GarmentImagePath).NotTo(BeAnExistingFile())
	})

	It("should record per-job statistics for successes and failures", func() {
		engine := invoker.NewSimulatedEngineInvoker(5*time.Millisecond, outputDir)
		run(engine, newJob("job-stats-1"))

		failing := invoker.NewSimulatedEngineInvoker(0, outputDir)
		failing.FailWith = errors.New("transient fault")
		run(failing, newJob("job-stats-2"))

		snapshot := statistics.Snapshot()
		Expect(snapshot["inferences_completed"]).To(Equal(int64(1)))
		Expect(snapshot["inference_errors"]).To(Equal(int64(1)))
		Expect(statistics.AverageInferenceMillis().IsPositive()).To(BeTrue())
	})

	It("should join all in-flight jobs on Wait", func() {
		engine := invoker.NewSimulatedEngineInvoker(20*time.Millisecond, outputDir)
		orchestrator := daemon.NewInferenceOrchestrator(scheduler, engine, dispatcher, emitter, statistics, "v1.0")

		job := newJob("job-wait")
		orchestrator.Execute(job)
		orchestrator.Wait()

		Expect(dispatcher.delivered()).To(HaveLen(1))
		Expect(scheduler.Status().Busy).To(BeFalse())
	})
})
