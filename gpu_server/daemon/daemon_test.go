package daemon_test

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/salahudeenofficial/qwen-production/gpu_server/daemon"
	"github.com/salahudeenofficial/qwen-production/gpu_server/domain"
	"github.com/salahudeenofficial/qwen-production/gpu_server/invoker"
)

const testAuthToken = "test-internal-secret"

// loadingEngineInvoker reports that its models are still loading.
type loadingEngineInvoker struct{}

func (inv *loadingEngineInvoker) InvokeWithContext(_ context.Context, _ *invoker.InferenceRequest) (*invoker.InferenceOutput, error) {
	panic("invoked while loading")
}

func (inv *loadingEngineInvoker) Ready() bool  { return false }
func (inv *loadingEngineInvoker) Close() error { return nil }

var _ = Describe("GPU Server Daemon Tests", func() {
	var (
		callbackServer   *httptest.Server
		callbacksPosted  atomic.Int32
		lastCallbackAuth atomic.Value
	)

	BeforeEach(func() {
		callbacksPosted.Store(0)
		callbackServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callbacksPosted.Add(1)
			lastCallbackAuth.Store(r.Header.Get(domain.AuthHeader))
			w.WriteHeader(http.StatusOK)
		}))
	})

	AfterEach(func() {
		callbackServer.Close()
	})

	newOptions := func() *domain.GpuServerOptions {
		return &domain.GpuServerOptions{
			NodeId:                       "gpu-node-1",
			Port:                         8000,
			InternalAuthToken:            testAuthToken,
			CallbackUrl:                  callbackServer.URL,
			CallbackAuthToken:            "callback-secret",
			CallbackTimeoutSeconds:       5,
			CallbackMaxRetries:           2,
			CallbackRetryIntervalSeconds: 0,
			ModelType:                    "qwen-image-edit",
			ModelVersion:                 "v1.0",
			SimulateInference:            true,
			DisablePrometheus:            true,
		}
	}

	newDaemon := func(simulatedDuration time.Duration) *daemon.GpuServerDaemon {
		engine := invoker.NewSimulatedEngineInvoker(simulatedDuration, GinkgoT().TempDir())
		d, err := daemon.New(newOptions(), engine)
		Expect(err).ToNot(HaveOccurred())
		return d
	}

	// tryonRequest builds an authenticated multipart POST /tryon with both artifacts
	// attached. Overrides replace or, when the value is empty, drop a form field.
	tryonRequest := func(jobId string, overrides map[string]string) *http.Request {
		fields := map[string]string{
			"job_id":     jobId,
			"user_id":    "user-1",
			"session_id": "session-1",
			"provider":   domain.ProviderQwen,
		}
		for key, value := range overrides {
			if value == "" {
				delete(fields, key)
			} else {
				fields[key] = value
			}
		}

		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for key, value := range fields {
			Expect(writer.WriteField(key, value)).To(Succeed())
		}
		for _, part := range []string{"masked_user_image", "garment_image"} {
			if overrides[part] == "omit" {
				continue
			}
			formFile, err := writer.CreateFormFile(part, part+".png")
			Expect(err).ToNot(HaveOccurred())
			_, err = formFile.Write([]byte("png-bytes"))
			Expect(err).ToNot(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		req := httptest.NewRequest(http.MethodPost, "/tryon", body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set(domain.AuthHeader, testAuthToken)
		return req
	}

	serve := func(d *daemon.GpuServerDaemon, req *http.Request) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		d.Handler().ServeHTTP(recorder, req)
		return recorder
	}

	decode := func(recorder *httptest.ResponseRecorder, target interface{}) {
		payload, err := io.ReadAll(recorder.Body)
		Expect(err).ToNot(HaveOccurred())
		Expect(json.Unmarshal(payload, target)).To(Succeed())
	}

	Context("authentication", func() {
		It("should reject a tryon request without the auth header", func() {
			d := newDaemon(0)

			req := tryonRequest("job-noauth", nil)
			req.Header.Del(domain.AuthHeader)

			Expect(serve(d, req).Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject a tryon request with the wrong secret", func() {
			d := newDaemon(0)

			req := tryonRequest("job-badauth", nil)
			req.Header.Set(domain.AuthHeader, "wrong-secret")

			Expect(serve(d, req).Code).To(Equal(http.StatusUnauthorized))
		})

		It("should protect the status endpoint as well", func() {
			d := newDaemon(0)

			req := httptest.NewRequest(http.MethodGet, "/gpu/status", nil)
			Expect(serve(d, req).Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Context("validation", func() {
		It("should return 400 listing every missing field", func() {
			d := newDaemon(0)

			req := tryonRequest("", map[string]string{
				"user_id":           "",
				"masked_user_image": "omit",
			})
			recorder := serve(d, req)

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))

			var errBody map[string]string
			decode(recorder, &errBody)
			Expect(errBody["error"]).To(ContainSubstring("job_id"))
			Expect(errBody["error"]).To(ContainSubstring("user_id"))
			Expect(errBody["error"]).To(ContainSubstring("masked_user_image"))
		})

		It("should return 400 for an unknown provider", func() {
			d := newDaemon(0)

			recorder := serve(d, tryonRequest("job-provider", map[string]string{"provider": "sdxl"}))

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))

			var errBody map[string]string
			decode(recorder, &errBody)
			Expect(errBody["error"]).To(ContainSubstring("invalid provider"))
		})

		It("should accept a job whose config blob is malformed, using defaults", func() {
			d := newDaemon(0)

			recorder := serve(d, tryonRequest("job-badcfg", map[string]string{"config": "{not json"}))
			Expect(recorder.Code).To(Equal(http.StatusAccepted))

			d.Orchestrator().Wait()
		})
	})

	Context("admission", func() {
		It("should accept a valid job with 202 and run it to completion", func() {
			d := newDaemon(0)

			recorder := serve(d, tryonRequest("job-accept", nil))
			Expect(recorder.Code).To(Equal(http.StatusAccepted))

			var accepted domain.TryonResponse
			decode(recorder, &accepted)
			Expect(accepted.JobId).To(Equal("job-accept"))
			Expect(accepted.Status).To(Equal(domain.StatusAccepted))
			Expect(accepted.NodeId).To(Equal("gpu-node-1"))

			d.Orchestrator().Wait()

			Expect(callbacksPosted.Load()).To(Equal(int32(1)))
			Expect(lastCallbackAuth.Load()).To(Equal("callback-secret"))
		})

		It("should reject a second job with 429 while the first is running, then accept again", func() {
			d := newDaemon(250 * time.Millisecond)

			Expect(serve(d, tryonRequest("job-a", nil)).Code).To(Equal(http.StatusAccepted))

			recorder := serve(d, tryonRequest("job-b", nil))
			Expect(recorder.Code).To(Equal(http.StatusTooManyRequests))
			Expect(recorder.Header().Get("Retry-After")).To(Equal(daemon.RetryAfterHint))
			Expect(recorder.Header().Get(domain.NodeIdHeader)).To(Equal("gpu-node-1"))

			var rejected domain.RejectedResponse
			decode(recorder, &rejected)
			Expect(rejected.JobId).To(Equal("job-b"))
			Expect(rejected.Status).To(Equal(domain.StatusRejectedBusy))
			Expect(rejected.NodeId).To(Equal("gpu-node-1"))
			Expect(rejected.Message).ToNot(BeEmpty())

			d.Orchestrator().Wait()

			Expect(serve(d, tryonRequest("job-c", nil)).Code).To(Equal(http.StatusAccepted))
			d.Orchestrator().Wait()
		})

		It("should emit the full lifecycle trail, in order, for a successful job", func() {
			d := newDaemon(0)

			Expect(serve(d, tryonRequest("job-trail", nil)).Code).To(Equal(http.StatusAccepted))
			d.Orchestrator().Wait()

			Expect(d.Emitter().Kinds("job-trail")).To(Equal([]domain.EventKind{
				domain.EventRequestReceived,
				domain.EventValidationPassed,
				domain.EventInferenceStarted,
				domain.EventInferenceCompleted,
				domain.EventCallbackSentAsset,
				domain.EventCleanupComplete,
			}))
		})

		It("should record gpu_busy_rejected in the rejected job's trail", func() {
			d := newDaemon(250 * time.Millisecond)

			Expect(serve(d, tryonRequest("job-winner", nil)).Code).To(Equal(http.StatusAccepted))
			Expect(serve(d, tryonRequest("job-loser", nil)).Code).To(Equal(http.StatusTooManyRequests))

			Expect(d.Emitter().Kinds("job-loser")).To(Equal([]domain.EventKind{
				domain.EventRequestReceived,
				domain.EventValidationPassed,
				domain.EventGpuBusyRejected,
			}))

			d.Orchestrator().Wait()
		})
	})

	Context("status and introspection", func() {
		It("should report a busy snapshot while a job runs and an idle one after", func() {
			d := newDaemon(250 * time.Millisecond)

			Expect(serve(d, tryonRequest("job-status", nil)).Code).To(Equal(http.StatusAccepted))

			statusReq := httptest.NewRequest(http.MethodGet, "/gpu/status", nil)
			statusReq.Header.Set(domain.AuthHeader, testAuthToken)

			var busy domain.GpuStatusResponse
			decode(serve(d, statusReq), &busy)
			Expect(busy.Busy).To(BeTrue())
			Expect(busy.CurrentJobId).To(Equal("job-status"))
			Expect(busy.QueueLength).To(Equal(1))

			d.Orchestrator().Wait()

			idleReq := httptest.NewRequest(http.MethodGet, "/gpu/status", nil)
			idleReq.Header.Set(domain.AuthHeader, testAuthToken)

			var idle domain.GpuStatusResponse
			decode(serve(d, idleReq), &idle)
			Expect(idle.Busy).To(BeFalse())
			Expect(idle.CurrentJobId).To(BeEmpty())
			Expect(idle.QueueLength).To(Equal(0))
		})

		It("should serve a job's event trail and 404 for an unknown job", func() {
			d := newDaemon(0)

			Expect(serve(d, tryonRequest("job-events", nil)).Code).To(Equal(http.StatusAccepted))
			d.Orchestrator().Wait()

			eventsReq := httptest.NewRequest(http.MethodGet, "/gpu/events/job-events", nil)
			eventsReq.Header.Set(domain.AuthHeader, testAuthToken)
			Expect(serve(d, eventsReq).Code).To(Equal(http.StatusOK))

			unknownReq := httptest.NewRequest(http.MethodGet, "/gpu/events/no-such-job", nil)
			unknownReq.Header.Set(domain.AuthHeader, testAuthToken)
			Expect(serve(d, unknownReq).Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("public endpoints", func() {
		It("should serve /health without authentication", func() {
			d := newDaemon(0)

			recorder := serve(d, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var health domain.HealthResponse
			decode(recorder, &health)
			Expect(health.Status).To(Equal("ok"))
			Expect(health.ModelLoaded).To(BeTrue())
			Expect(health.NodeId).To(Equal("gpu-node-1"))
		})

		It("should report the simulated backend on /version", func() {
			d := newDaemon(0)

			recorder := serve(d, httptest.NewRequest(http.MethodGet, "/version", nil))
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var version domain.VersionResponse
			decode(recorder, &version)
			Expect(version.ModelType).To(Equal("qwen-image-edit"))
			Expect(version.ModelVersion).To(Equal("v1.0"))
			Expect(version.Backend).To(Equal("simulated"))
			Expect(version.GitCommit).ToNot(BeEmpty())
		})
	})

	Context("availability", func() {
		It("should return 503 while models are loading, except for /health", func() {
			d, err := daemon.New(newOptions(), &loadingEngineInvoker{})
			Expect(err).ToNot(HaveOccurred())

			Expect(serve(d, tryonRequest("job-loading", nil)).Code).To(Equal(http.StatusServiceUnavailable))
			Expect(serve(d, httptest.NewRequest(http.MethodGet, "/version", nil)).Code).To(Equal(http.StatusServiceUnavailable))

			recorder := serve(d, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var health domain.HealthResponse
			decode(recorder, &health)
			Expect(health.ModelLoaded).To(BeFalse())
		})
	})
})
