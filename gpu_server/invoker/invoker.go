// Package invoker abstracts the inference engine that actually occupies the GPU.
// The server treats the engine as an opaque collaborator: it consumes validated
// inputs and produces an output artifact or an error, taking however long it takes.
// No timeout or cancellation is imposed on a running invocation.
package invoker

import (
	"context"
	"fmt"
)

// InferenceRequest carries the validated inputs of one accepted job.
type InferenceRequest struct {
	JobId string

	// MaskedImagePath and GarmentImagePath are paths to the job's input artifacts.
	MaskedImagePath  string
	GarmentImagePath string

	Prompt string
	Seed   int64 // 0 means the engine picks a random seed.
	Steps  int
	Cfg    float64
}

func (r *InferenceRequest) String() string {
	return fmt.Sprintf("InferenceRequest(Job=%s,Steps=%d,Cfg=%.2f,Seed=%d)", r.JobId, r.Steps, r.Cfg, r.Seed)
}

// InferenceOutput is the artifact produced by a successful invocation.
type InferenceOutput struct {
	// OutputPath is the path of the generated image on the local filesystem.
	OutputPath string
}

// EngineInvoker invokes the inference engine for one job at a time.
type EngineInvoker interface {
	// InvokeWithContext runs one inference to completion and returns the produced
	// artifact. The context is plumbed through for transport-level concerns only;
	// a started inference runs to completion or fault.
	InvokeWithContext(ctx context.Context, req *InferenceRequest) (*InferenceOutput, error)

	// Ready returns true once the engine has its models loaded and can accept work.
	Ready() bool

	// Close releases any resources held by the invoker.
	Close() error
}
