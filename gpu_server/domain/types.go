package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// ProviderQwen is the only provider tag accepted by this server.
	ProviderQwen = "qwen"

	// AuthHeader carries the shared secret on inbound requests and outbound callbacks alike
	// (the two directions use distinct secrets).
	AuthHeader = "X-Internal-Auth"

	// NodeIdHeader identifies the serving node on rejection responses so that an
	// upstream dispatcher can tell which node turned the job away.
	NodeIdHeader = "X-Node-Id"

	// StatusAccepted and StatusRejectedBusy are the job-level statuses reported to callers.
	StatusAccepted     = "ACCEPTED"
	StatusRejectedBusy = "REJECTED_BUSY"

	// DefaultInferenceSteps and DefaultInferenceCfg are applied when the optional
	// config blob omits them.
	DefaultInferenceSteps = 4
	DefaultInferenceCfg   = 1.0
)

// DefaultPrompt is the workflow prompt used when the job's config blob does not supply one.
const DefaultPrompt = "将图片 1 中的绿色遮罩区域仅用于判断服装属于上半身或下半身，不要将服装限制在遮罩范围内。\n\n将图片 2 中的服装自然地穿戴到图片 1 中的人物身上，保持图片 2 中服装的完整形状、袖长和轮廓。无论图片 2 是单独的服装图还是人物穿着该服装的图，都应准确地转移服装，同时保留其原始面料质感、材质细节和颜色准确性。\n\n确保图片 1 中人物的面部、头发和皮肤完全保持不变。光照与阴影应自然匹配图片 1 的环境，但服装的材质外观必须忠实于图片 2。\n\n保持边缘平滑融合、阴影逼真，整体效果自然且不改变人物的身份特征"

var (
	ErrUnauthorized    = errors.New("missing or invalid X-Internal-Auth header")
	ErrInvalidProvider = errors.New("invalid provider")
	ErrGpuBusy         = errors.New("GPU is busy")
)

// JobState tracks where a job is in its lifecycle. Jobs are created on admission and
// transition Accepted -> Running -> (Succeeded | Failed). They are never revived.
type JobState string

const (
	JobAccepted  JobState = "accepted"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job identifies one accepted inference request. The two input artifacts have already
// been persisted to temporary files by the admission path; the orchestrator owns the
// job (and those files) exclusively from acceptance until its callback sequence ends.
type Job struct {
	JobId     string `json:"job_id"`
	UserId    string `json:"user_id"`
	SessionId string `json:"session_id"`
	Provider  string `json:"provider"`

	// NodeId is the identity of the serving node, fixed at startup.
	NodeId string `json:"node_id"`

	// MaskedImagePath and GarmentImagePath are the temporary files holding the job's
	// input artifacts.
	MaskedImagePath  string `json:"-"`
	GarmentImagePath string `json:"-"`

	Config InferenceConfig `json:"config"`

	State      JobState  `json:"state"`
	AcceptedAt time.Time `json:"accepted_at"`
}

func (j *Job) String() string {
	return fmt.Sprintf("Job(ID=%s,User=%s,Session=%s,Provider=%s,State=%s)",
		j.JobId, j.UserId, j.SessionId, j.Provider, j.State)
}

// InferenceConfig is the per-job tuning blob. Callers supply it as an opaque JSON
// string; anything missing or unparsable falls back to defaults.
type InferenceConfig struct {
	Prompt string  `json:"prompt"`
	Seed   int64   `json:"seed"`
	Steps  int     `json:"steps"`
	Cfg    float64 `json:"cfg"`
}

// ParseInferenceConfig leniently extracts the inference configuration from the raw
// config form field. An empty or malformed blob yields the defaults; individual
// missing keys fall back individually. Malformed blobs are tolerated rather than
// rejected so that an over-eager client cannot fail a job over tuning hints.
func ParseInferenceConfig(raw string) (InferenceConfig, bool) {
	cfg := InferenceConfig{
		Prompt: DefaultPrompt,
		Steps:  DefaultInferenceSteps,
		Cfg:    DefaultInferenceCfg,
	}

	if raw == "" {
		return cfg, true
	}

	if !gjson.Valid(raw) {
		return cfg, false
	}

	parsed := gjson.Parse(raw)
	if prompt := parsed.Get("prompt"); prompt.Exists() {
		cfg.Prompt = prompt.String()
	}
	if seed := parsed.Get("seed"); seed.Exists() {
		cfg.Seed = seed.Int()
	}
	if steps := parsed.Get("steps"); steps.Exists() {
		cfg.Steps = int(steps.Int())
	}
	if cfgScale := parsed.Get("cfg"); cfgScale.Exists() {
		cfg.Cfg = cfgScale.Float()
	}

	return cfg, true
}

// ErrorKind classifies post-acceptance faults for the callback error payload.
type ErrorKind string

const (
	ErrKindInferenceFault ErrorKind = "inference_fault"
	ErrKindInvalidInput   ErrorKind = "invalid_input"
)

// InferenceResult is produced exactly once per accepted job and consumed exactly
// once by the callback dispatcher. It is immutable once produced.
type InferenceResult struct {
	JobId        string
	OutputPath   string
	ModelVersion string
	Duration     time.Duration

	ErrKind    ErrorKind
	ErrMessage string
}

// Succeeded returns true if the result carries an output artifact rather than an error.
func (r *InferenceResult) Succeeded() bool {
	return r.ErrMessage == ""
}

func (r *InferenceResult) String() string {
	if r.Succeeded() {
		return fmt.Sprintf("InferenceResult(Job=%s,Output=%s,Duration=%v)", r.JobId, r.OutputPath, r.Duration)
	}

	return fmt.Sprintf("InferenceResult(Job=%s,ErrKind=%s,Err=%s,Duration=%v)", r.JobId, r.ErrKind, r.ErrMessage, r.Duration)
}

// TryonResponse is the 202 body returned on admission.
type TryonResponse struct {
	JobId  string `json:"job_id"`
	Status string `json:"status"`
	NodeId string `json:"node_id"`
}

// RejectedResponse is the 429 body returned when the GPU is busy.
type RejectedResponse struct {
	JobId   string `json:"job_id"`
	Status  string `json:"status"`
	NodeId  string `json:"node_id"`
	Message string `json:"message"`
}

// GpuStatusResponse is the body of GET /gpu/status.
type GpuStatusResponse struct {
	NodeId       string `json:"node_id"`
	Busy         bool   `json:"busy"`
	CurrentJobId string `json:"current_job_id,omitempty"`
	QueueLength  int    `json:"queue_length"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	GpuAvailable bool   `json:"gpu_available"`
	ModelLoaded  bool   `json:"model_loaded"`
	NodeId       string `json:"node_id"`
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	ModelType    string `json:"model_type"`
	ModelVersion string `json:"model_version"`
	Backend      string `json:"backend"`
	GitCommit    string `json:"git_commit"`
	NodeId       string `json:"node_id"`
}
