package daemon

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/opentracing-contrib/go-stdlib/nethttp"
	"github.com/opentracing/opentracing-go"

	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
)

// Clock abstracts time for the dispatcher's retry loop so that timing-dependent
// retry behavior can be tested deterministically, without real wall-clock delays.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Dispatcher delivers final job results to the downstream Asset Service.
type Dispatcher interface {
	// Deliver hands off one result. It is fire-and-forget from the caller's
	// perspective: all retrying and failure handling happens internally, and no
	// error ever propagates back.
	Deliver(job *domain.Job, result *domain.InferenceResult)
}

// callbackAttempt is the ephemeral record of one delivery try. It exists only for
// retry bookkeeping and logging; nothing persists it.
type callbackAttempt struct {
	index    int
	outcome  string
	occurred time.Time
}

func (a *callbackAttempt) String() string {
	return fmt.Sprintf("CallbackAttempt(#%d,%s,%s)", a.index, a.outcome, a.occurred.Format(time.RFC3339))
}

// CallbackDispatcher delivers results to the Asset Service endpoint fixed in the
// service configuration at startup. The endpoint is never accepted as a parameter
// of any inbound request, so a caller cannot redirect results elsewhere. Each
// attempt is an authenticated multipart POST with its own per-attempt timeout;
// attempts repeat up to the configured maximum, separated by the configured
// interval (doubled after each failure when exponential backoff is enabled).
type CallbackDispatcher struct {
	log logger.Logger

	endpoint  string
	authToken string

	nodeId       string
	modelVersion string

	maxRetries    int
	retryInterval time.Duration
	exponential   bool

	client  *http.Client
	clock   Clock
	emitter *domain.EventEmitter
}

func NewCallbackDispatcher(opts *domain.GpuServerOptions, emitter *domain.EventEmitter) *CallbackDispatcher {
	dispatcher := &CallbackDispatcher{
		endpoint:      opts.CallbackUrl,
		authToken:     opts.CallbackAuthToken,
		nodeId:        opts.NodeId,
		modelVersion:  opts.ModelVersion,
		maxRetries:    opts.CallbackMaxRetries,
		retryInterval: time.Duration(opts.CallbackRetryIntervalSeconds) * time.Second,
		exponential:   opts.CallbackExponentialBackoff,
		clock:         realClock{},
		emitter:       emitter,
		client: &http.Client{
			Timeout: time.Duration(opts.CallbackTimeoutSeconds) * time.Second,
		},
	}

	// Trace outbound deliveries when a tracer has been registered.
	if opentracing.IsGlobalTracerRegistered() {
		dispatcher.client.Transport = &nethttp.Transport{}
	}

	config.InitLogger(&dispatcher.log, dispatcher)
	return dispatcher
}

// WithClock replaces the dispatcher's clock. Intended for tests.
func (d *CallbackDispatcher) WithClock(clock Clock) *CallbackDispatcher {
	d.clock = clock
	return d
}

// Deliver implements Dispatcher.
func (d *CallbackDispatcher) Deliver(job *domain.Job, result *domain.InferenceResult) {
	var lastError string

	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		record := &callbackAttempt{index: attempt, occurred: d.clock.Now()}

		err := d.attemptDelivery(job, result)
		if err == nil {
			record.outcome = "success"
			d.log.Debug("%s for job %s.", record, job.JobId)
			d.emitter.Emit(domain.EventCallbackSentAsset, job.JobId,
				fmt.Sprintf("Callback sent successfully for job %s", job.JobId),
				map[string]interface{}{"attempt": attempt})
			return
		}

		record.outcome = "failure"
		lastError = err.Error()
		d.log.Warn("%s for job %s: %v", record, job.JobId, err)

		if attempt < d.maxRetries {
			d.emitter.Emit(domain.EventCallbackRetrying, job.JobId,
				fmt.Sprintf("Callback failed (attempt %d/%d): %s", attempt, d.maxRetries, lastError),
				map[string]interface{}{"attempt": attempt})
			d.clock.Sleep(d.backoff(attempt))
		}
	}

	d.emitter.Emit(domain.EventCallbackFailed, job.JobId,
		fmt.Sprintf("Callback failed after %d attempts: %s", d.maxRetries, lastError),
		map[string]interface{}{"attempts": d.maxRetries})
}

// backoff returns the delay to apply after the given (1-based) failed attempt.
func (d *CallbackDispatcher) backoff(attempt int) time.Duration {
	if !d.exponential {
		return d.retryInterval
	}

	return d.retryInterval << uint(attempt-1)
}

// attemptDelivery performs a single authenticated multipart POST to the Asset Service.
// The body is rebuilt on every attempt because the previous attempt consumed it.
func (d *CallbackDispatcher) attemptDelivery(job *domain.Job, result *domain.InferenceResult) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"job_id":            job.JobId,
		"user_id":           job.UserId,
		"session_id":        job.SessionId,
		"provider":          job.Provider,
		"node_id":           d.nodeId,
		"model_version":     d.modelVersion,
		"inference_time_ms": strconv.FormatInt(result.Duration.Milliseconds(), 10),
	}
	if !result.Succeeded() {
		fields["error"] = result.ErrMessage
		fields["error_kind"] = string(result.ErrKind)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return err
		}
	}

	if result.Succeeded() && result.OutputPath != "" {
		if err := d.attachOutput(writer, result.OutputPath); err != nil {
			return err
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, d.endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(domain.AuthHeader, d.authToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}

	return nil
}

func (d *CallbackDispatcher) attachOutput(writer *multipart.Writer, outputPath string) error {
	file, err := os.Open(outputPath)
	if err != nil {
		return err
	}
	defer file.Close()

	part, err := writer.CreateFormFile("output_image", filepath.Base(outputPath))
	if err != nil {
		return err
	}

	_, err = io.Copy(part, file)
	return err
}
