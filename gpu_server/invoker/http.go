package invoker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
)

// HttpEngineInvoker drives an inference engine that is reachable over HTTP on the
// same host (typically a ComfyUI-style sidecar). Each invocation POSTs the input
// artifacts as a multipart body to the engine's /infer endpoint and persists the
// returned image under the configured output directory.
type HttpEngineInvoker struct {
	log logger.Logger

	endpoint  string
	outputDir string

	// client has no timeout: inference runs to completion or fault.
	client *http.Client

	// probeClient is used for cheap readiness checks only.
	probeClient *http.Client

	ready atomic.Bool
}

func NewHttpEngineInvoker(endpoint string, outputDir string) *HttpEngineInvoker {
	inv := &HttpEngineInvoker{
		endpoint:    endpoint,
		outputDir:   outputDir,
		client:      &http.Client{},
		probeClient: &http.Client{Timeout: 5 * time.Second},
	}
	config.InitLogger(&inv.log, inv)
	return inv
}

// InvokeWithContext implements EngineInvoker.
func (inv *HttpEngineInvoker) InvokeWithContext(ctx context.Context, req *InferenceRequest) (*InferenceOutput, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := attachFile(writer, "masked_user_image", req.MaskedImagePath); err != nil {
		return nil, err
	}
	if err := attachFile(writer, "garment_image", req.GarmentImagePath); err != nil {
		return nil, err
	}

	fields := map[string]string{
		"prompt": req.Prompt,
		"steps":  strconv.Itoa(req.Steps),
		"cfg":    strconv.FormatFloat(req.Cfg, 'f', -1, 64),
	}
	if req.Seed != 0 {
		fields["seed"] = strconv.FormatInt(req.Seed, 10)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, errors.Wrapf(err, "failed to write engine request field %s", key)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize engine request body")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.endpoint+"/infer", body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create engine request")
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	inv.log.Debug("Invoking engine at %s for job %s.", inv.endpoint, req.JobId)

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "engine invocation failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("engine returned HTTP %d: %s", resp.StatusCode, string(payload))
	}

	if err = os.MkdirAll(inv.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}

	outputPath := filepath.Join(inv.outputDir, fmt.Sprintf("qwen_%s.png", req.JobId))
	outputFile, err := os.Create(outputPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output file")
	}
	defer outputFile.Close()

	if _, err = io.Copy(outputFile, resp.Body); err != nil {
		return nil, errors.Wrap(err, "failed to persist engine output")
	}

	return &InferenceOutput{OutputPath: outputPath}, nil
}

// Ready implements EngineInvoker. The first successful probe of the engine's
// /health endpoint latches the invoker as ready.
func (inv *HttpEngineInvoker) Ready() bool {
	if inv.ready.Load() {
		return true
	}

	resp, err := inv.probeClient.Get(inv.endpoint + "/health")
	if err != nil {
		inv.log.Debug("Engine readiness probe failed: %v", err)
		return false
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		inv.ready.Store(true)
		inv.log.Info("Inference engine at %s is ready.", inv.endpoint)
		return true
	}

	return false
}

// Close implements EngineInvoker.
func (inv *HttpEngineInvoker) Close() error {
	inv.client.CloseIdleConnections()
	inv.probeClient.CloseIdleConnections()
	return nil
}

func attachFile(writer *multipart.Writer, field string, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s artifact", field)
	}
	defer file.Close()

	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return errors.Wrapf(err, "failed to create %s form part", field)
	}

	_, err = io.Copy(part, file)
	return errors.Wrapf(err, "failed to copy %s artifact", field)
}
