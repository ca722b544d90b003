package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/salahudeenofficial/qwen-production/common/utils"
	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
	"github.com/salahudeenofficial/qwen-production/gpu_server/invoker"
)

// RetryAfterHint is the retry delay, in seconds, suggested to callers rejected with 429.
const RetryAfterHint = "1"

// GpuServerDaemon is the HTTP-facing daemon of one GPU serving node. It owns the
// admission path (auth gate, validation, scheduler acquisition) and wires together
// the scheduler, orchestrator, callback dispatcher, event emitter, and metrics.
type GpuServerDaemon struct {
	log  logger.Logger
	opts *domain.GpuServerOptions

	scheduler    *GpuScheduler
	orchestrator *InferenceOrchestrator
	dispatcher   Dispatcher
	emitter      *domain.EventEmitter
	statistics   *NodeStatistics
	metrics      *GpuServerPrometheusManager
	engineInv    invoker.EngineInvoker

	engine     *gin.Engine
	httpServer *http.Server

	gpuAvailable bool
	startedAt    time.Time

	gitCommitOnce sync.Once
	gitCommit     string
}

// New assembles a GpuServerDaemon around the given engine invoker. The options
// must already have been validated.
func New(opts *domain.GpuServerOptions, engineInv invoker.EngineInvoker) (*GpuServerDaemon, error) {
	daemon := &GpuServerDaemon{
		opts:       opts,
		scheduler:  NewGpuScheduler(),
		emitter:    domain.NewEventEmitter(opts.NodeId),
		statistics: NewNodeStatistics(),
		engineInv:  engineInv,
		startedAt:  time.Now(),
	}
	config.InitLogger(&daemon.log, daemon)

	if !opts.DisablePrometheus {
		metricsManager, err := NewGpuServerPrometheusManager(opts.NodeId)
		if err != nil {
			return nil, err
		}
		daemon.metrics = metricsManager
		daemon.emitter.AddObserver(metricsManager.ObserveEvent)
	}

	daemon.dispatcher = NewCallbackDispatcher(opts, daemon.emitter)
	daemon.orchestrator = NewInferenceOrchestrator(daemon.scheduler, engineInv, daemon.dispatcher,
		daemon.emitter, daemon.statistics, opts.ModelVersion)

	numGPUs, err := utils.GetNumberOfGPUs()
	if err != nil {
		daemon.log.Warn("Could not query NVML for GPU count: %v", err)
	} else {
		daemon.log.Info("Detected %d GPU(s) on this node.", numGPUs)
	}
	daemon.gpuAvailable = numGPUs > 0

	daemon.initializeHttpServer()

	return daemon, nil
}

func (d *GpuServerDaemon) initializeHttpServer() {
	if !d.opts.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	d.engine = gin.New()
	d.engine.Use(gin.Recovery())
	d.engine.Use(cors.Default())
	d.engine.Use(d.availabilityMiddleware())

	protected := d.engine.Group("/", internalAuth(d.opts.InternalAuthToken))
	protected.POST("/tryon", d.HandleTryon)
	protected.GET("/gpu/status", d.HandleGpuStatus)
	protected.GET("/gpu/events/:job_id", d.HandleJobEvents)

	d.engine.GET("/health", d.HandleHealth)
	d.engine.GET("/version", d.HandleVersion)
	if d.metrics != nil {
		d.engine.GET("/metrics", d.metrics.HandleRequest)
	}

	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", d.opts.Port),
		Handler: d.engine,
	}
}

// availabilityMiddleware rejects traffic with 503 until the engine has its models
// loaded. Health checks are exempt so that orchestrators can still probe the node.
func (d *GpuServerDaemon) availabilityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		if !d.engineInv.Ready() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"message": "Models are still loading. Please wait.",
				"node_id": d.opts.NodeId,
			})
			return
		}

		c.Next()
	}
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (d *GpuServerDaemon) Start() error {
	d.log.Info(utils.GreenStyle.Render("GPU node %s serving HTTP at %s"), d.opts.NodeId, d.httpServer.Addr)

	if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Close shuts the daemon down gracefully: it stops accepting new requests, then
// joins every in-flight job so that accepted work is not silently lost.
func (d *GpuServerDaemon) Close() error {
	d.log.Info("Shutting down. Waiting for in-flight jobs to finish...")

	err := d.httpServer.Shutdown(context.Background())
	if err != nil {
		d.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
	}

	d.orchestrator.Wait()

	if closeErr := d.engineInv.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	d.log.Info("Final node statistics: %s", d.statistics)

	return err
}

// Handler exposes the daemon's HTTP handler. Used by the test suites to drive the
// daemon without binding a socket.
func (d *GpuServerDaemon) Handler() http.Handler {
	return d.engine
}

// Emitter exposes the daemon's event emitter.
func (d *GpuServerDaemon) Emitter() *domain.EventEmitter {
	return d.emitter
}

// Orchestrator exposes the daemon's orchestrator so that callers can join in-flight jobs.
func (d *GpuServerDaemon) Orchestrator() *InferenceOrchestrator {
	return d.orchestrator
}

// HandleTryon is the admission controller. It validates the submission, attempts to
// acquire the scheduler, and replies immediately: 202 when the job was accepted and
// handed to the orchestrator, 429 when the GPU is busy. It never waits for
// inference; caller-visible latency is bounded by validation cost only.
func (d *GpuServerDaemon) HandleTryon(c *gin.Context) {
	jobId := c.PostForm("job_id")

	d.emitter.Emit(domain.EventRequestReceived, jobId,
		fmt.Sprintf("Tryon request received for job %s", jobId),
		map[string]interface{}{"user_id": c.PostForm("user_id"), "session_id": c.PostForm("session_id")})

	job, err := d.validateSubmission(c)
	if err != nil {
		d.emitter.Emit(domain.EventValidationFailed, jobId,
			fmt.Sprintf("Rejecting tryon request: %v", err), nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d.emitter.Emit(domain.EventValidationPassed, job.JobId,
		fmt.Sprintf("Job %s validated", job.JobId), nil)

	if !d.scheduler.Acquire(job.JobId) {
		d.statistics.JobRejected()
		d.emitter.Emit(domain.EventGpuBusyRejected, job.JobId,
			fmt.Sprintf("GPU busy, rejecting job %s", job.JobId), nil)

		c.Header("Retry-After", RetryAfterHint)
		c.Header(domain.NodeIdHeader, d.opts.NodeId)
		c.JSON(http.StatusTooManyRequests, &domain.RejectedResponse{
			JobId:   job.JobId,
			Status:  domain.StatusRejectedBusy,
			NodeId:  d.opts.NodeId,
			Message: "GPU is busy. Try another node.",
		})
		return
	}

	// The scheduler is now held on the job's behalf. Persist the input artifacts
	// before replying; from here on the orchestrator owns them and the release.
	if err = d.saveArtifacts(c, job); err != nil {
		d.scheduler.Release()
		d.log.Error("Failed to persist input artifacts of job %s: %v", job.JobId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist input artifacts", "node_id": d.opts.NodeId})
		return
	}

	d.statistics.JobAccepted()
	job.State = domain.JobAccepted
	job.AcceptedAt = time.Now()

	d.orchestrator.Execute(job)

	c.JSON(http.StatusAccepted, &domain.TryonResponse{
		JobId:  job.JobId,
		Status: domain.StatusAccepted,
		NodeId: d.opts.NodeId,
	})
}

// validateSubmission performs the structural validation of a tryon submission.
func (d *GpuServerDaemon) validateSubmission(c *gin.Context) (*domain.Job, error) {
	var missing []string
	for _, field := range []string{"job_id", "user_id", "session_id", "provider"} {
		if c.PostForm(field) == "" {
			missing = append(missing, field)
		}
	}
	for _, field := range []string{"masked_user_image", "garment_image"} {
		if _, err := c.FormFile(field); err != nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}

	provider := c.PostForm("provider")
	if provider != domain.ProviderQwen {
		return nil, fmt.Errorf("%w: %s. Must be '%s'", domain.ErrInvalidProvider, provider, domain.ProviderQwen)
	}

	inferenceConfig, ok := domain.ParseInferenceConfig(c.PostForm("config"))
	if !ok {
		d.log.Warn("Invalid config JSON for job %s, using defaults.", c.PostForm("job_id"))
	}

	return &domain.Job{
		JobId:     c.PostForm("job_id"),
		UserId:    c.PostForm("user_id"),
		SessionId: c.PostForm("session_id"),
		Provider:  provider,
		NodeId:    d.opts.NodeId,
		Config:    inferenceConfig,
	}, nil
}

// saveArtifacts copies the uploaded image parts to temporary files owned by the job.
func (d *GpuServerDaemon) saveArtifacts(c *gin.Context, job *domain.Job) error {
	token := uuid.NewString()

	maskedPath := filepath.Join(os.TempDir(), fmt.Sprintf("masked_%s.png", token))
	garmentPath := filepath.Join(os.TempDir(), fmt.Sprintf("garment_%s.png", token))

	maskedFile, err := c.FormFile("masked_user_image")
	if err != nil {
		return err
	}
	if err = c.SaveUploadedFile(maskedFile, maskedPath); err != nil {
		return err
	}

	garmentFile, err := c.FormFile("garment_image")
	if err != nil {
		_ = os.Remove(maskedPath)
		return err
	}
	if err = c.SaveUploadedFile(garmentFile, garmentPath); err != nil {
		_ = os.Remove(maskedPath)
		return err
	}

	job.MaskedImagePath = maskedPath
	job.GarmentImagePath = garmentPath

	return nil
}

// HandleGpuStatus reports the scheduler's snapshot for upstream dispatchers.
func (d *GpuServerDaemon) HandleGpuStatus(c *gin.Context) {
	status := d.scheduler.Status()

	c.JSON(http.StatusOK, &domain.GpuStatusResponse{
		NodeId:       d.opts.NodeId,
		Busy:         status.Busy,
		CurrentJobId: status.CurrentJobId,
		QueueLength:  status.QueueLength,
	})
}

// HandleJobEvents returns the recorded lifecycle trail of one job.
func (d *GpuServerDaemon) HandleJobEvents(c *gin.Context) {
	jobId := c.Param("job_id")

	trail := d.emitter.Trail(jobId)
	if len(trail) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no events recorded for job", "job_id": jobId})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"node_id": d.opts.NodeId,
		"job_id":  jobId,
		"events":  trail,
	})
}

// HandleHealth reports node liveness. It is reachable even while models are loading.
func (d *GpuServerDaemon) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, &domain.HealthResponse{
		Status:       "ok",
		GpuAvailable: d.gpuAvailable,
		ModelLoaded:  d.engineInv.Ready(),
		NodeId:       d.opts.NodeId,
	})
}

// HandleVersion reports the node's model and build identity.
func (d *GpuServerDaemon) HandleVersion(c *gin.Context) {
	backend := "comfyui"
	if d.opts.SimulateInference {
		backend = "simulated"
	}

	c.JSON(http.StatusOK, &domain.VersionResponse{
		ModelType:    d.opts.ModelType,
		ModelVersion: d.opts.ModelVersion,
		Backend:      backend,
		GitCommit:    d.resolveGitCommit(),
		NodeId:       d.opts.NodeId,
	})
}

func (d *GpuServerDaemon) resolveGitCommit() string {
	d.gitCommitOnce.Do(func() {
		d.gitCommit = "unknown"

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		out, err := exec.CommandContext(ctx, "git", "rev-parse", "HEAD").Output()
		if err != nil {
			d.log.Debug("Could not resolve git commit: %v", err)
			return
		}

		commit := strings.TrimSpace(string(out))
		if len(commit) >= 7 {
			d.gitCommit = commit[:7]
		}
	})

	return d.gitCommit
}
