package invoker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/pkg/errors"
)

// SimulatedEngineInvoker simulates inference using sleep. It is used in local mode
// and by the test suites, where no GPU (or engine) is present.
type SimulatedEngineInvoker struct {
	log logger.Logger

	duration  time.Duration
	outputDir string

	// FailWith, if non-nil, causes every invocation to return this error after the
	// simulated duration elapses.
	FailWith error

	// PanicWith, if non-empty, causes every invocation to panic. Used to exercise
	// the orchestrator's fault handling.
	PanicWith string
}

func NewSimulatedEngineInvoker(duration time.Duration, outputDir string) *SimulatedEngineInvoker {
	inv := &SimulatedEngineInvoker{
		duration:  duration,
		outputDir: outputDir,
	}
	config.InitLogger(&inv.log, inv)
	return inv
}

// InvokeWithContext implements EngineInvoker.
func (inv *SimulatedEngineInvoker) InvokeWithContext(_ context.Context, req *InferenceRequest) (*InferenceOutput, error) {
	inv.log.Debug("Simulating inference for job %s (duration=%v).", req.JobId, inv.duration)

	if inv.duration > 0 {
		time.Sleep(inv.duration)
	}

	if inv.PanicWith != "" {
		panic(inv.PanicWith)
	}

	if inv.FailWith != nil {
		return nil, inv.FailWith
	}

	if err := os.MkdirAll(inv.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}

	outputPath := filepath.Join(inv.outputDir, fmt.Sprintf("simulated_%s.png", req.JobId))
	if err := os.WriteFile(outputPath, []byte("simulated output"), 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write simulated output")
	}

	return &InferenceOutput{OutputPath: outputPath}, nil
}

// Ready implements EngineInvoker. A simulated engine is always ready.
func (inv *SimulatedEngineInvoker) Ready() bool {
	return true
}

// Close implements EngineInvoker.
func (inv *SimulatedEngineInvoker) Close() error {
	return nil
}
