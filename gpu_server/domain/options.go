package domain

import (
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
)

const (
	// DefaultServerPort is the default port on which the GPU node server listens for HTTP requests.
	DefaultServerPort = 8000

	// DefaultCallbackTimeoutSeconds is the default per-attempt timeout for callback deliveries to the Asset Service.
	DefaultCallbackTimeoutSeconds = 30

	// DefaultCallbackMaxRetries is the default number of delivery attempts before a callback is abandoned.
	DefaultCallbackMaxRetries = 3

	// DefaultCallbackRetryIntervalSeconds is the default delay between consecutive callback delivery attempts.
	DefaultCallbackRetryIntervalSeconds = 1
)

// GpuServerOptions is the full configuration surface of the GPU node server.
// Options may be supplied via command-line flags or via a YAML configuration
// file passed with the -yaml flag. The server fails fast at startup if any of
// the required fields are missing.
type GpuServerOptions struct {
	config.LoggerOptions `yaml:",inline" json:"logger_options"`

	NodeId            string `name:"node_id"             yaml:"node_id"             json:"node_id"             description:"Unique identity of this serving node. Required."`
	Port              int    `name:"port"                yaml:"port"                json:"port"                description:"Port that the HTTP server listens on."`
	InternalAuthToken string `name:"internal_auth_token" yaml:"internal_auth_token" json:"-"                   description:"Shared secret expected in the X-Internal-Auth header of inbound requests. Required."`

	CallbackUrl                  string `name:"callback_url"                    yaml:"callback_url"                    json:"callback_url"                    description:"Asset Service endpoint that receives job results. Fixed at startup; never request-supplied. Required."`
	CallbackAuthToken            string `name:"callback_auth_token"             yaml:"callback_auth_token"             json:"-"                               description:"Shared secret sent in the X-Internal-Auth header of outbound callbacks. Required."`
	CallbackTimeoutSeconds       int    `name:"callback_timeout_seconds"        yaml:"callback_timeout_seconds"        json:"callback_timeout_seconds"        description:"Per-attempt timeout, in seconds, for callback deliveries."`
	CallbackMaxRetries           int    `name:"callback_max_retries"            yaml:"callback_max_retries"            json:"callback_max_retries"            description:"Maximum number of callback delivery attempts per job."`
	CallbackRetryIntervalSeconds int    `name:"callback_retry_interval_seconds" yaml:"callback_retry_interval_seconds" json:"callback_retry_interval_seconds" description:"Delay, in seconds, between consecutive callback delivery attempts."`
	CallbackExponentialBackoff   bool   `name:"callback_exponential_backoff"    yaml:"callback_exponential_backoff"    json:"callback_exponential_backoff"    description:"If true, double the retry interval after each failed callback attempt."`

	ModelType    string `name:"model_type"    yaml:"model_type"    json:"model_type"    description:"Type of the model served by this node (e.g., 'qwen-image-edit'). Required."`
	ModelVersion string `name:"model_version" yaml:"model_version" json:"model_version" description:"Version of the model served by this node. Required."`

	EngineEndpoint        string `name:"engine_endpoint"         yaml:"engine_endpoint"         json:"engine_endpoint"         description:"Endpoint of the local inference engine. If empty, simulate_inference must be set."`
	SimulateInference     bool   `name:"simulate_inference"      yaml:"simulate_inference"      json:"simulate_inference"      description:"If true, simulate inference using sleep instead of invoking a real engine."`
	SimulatedInferenceMs  int    `name:"simulated_inference_ms"  yaml:"simulated_inference_ms"  json:"simulated_inference_ms"  description:"Duration, in milliseconds, of simulated inference calls."`
	OutputDirectory       string `name:"output_directory"        yaml:"output_directory"        json:"output_directory"        description:"Directory in which output artifacts are written before callback delivery."`
	DisablePrometheus     bool   `name:"disable_prometheus"      yaml:"disable_prometheus"      json:"disable_prometheus"      description:"If true, do not register or serve Prometheus metrics."`
	JaegerAddr            string `name:"jaeger"                  yaml:"jaeger"                  json:"jaeger_addr"             description:"Jaeger agent address. Optional."`
	ConsulAddr            string `name:"consul"                  yaml:"consul"                  json:"consul_addr"             description:"Consul agent address. Optional."`
	DebugPort             int    `name:"debug_port"              yaml:"debug_port"              json:"debug_port"              description:"Port for the debug/pprof HTTP server."`
	DebugMode             bool   `name:"debug_mode"              yaml:"debug_mode"              json:"debug_mode"              description:"Enable the debug/pprof HTTP server."`
}

// Validate ensures that every required configuration parameter was supplied.
// Returns an error naming all of the missing fields so that a misconfigured
// deployment fails fast with a single actionable message.
func (o *GpuServerOptions) Validate() error {
	if err := o.LoggerOptions.Validate(); err != nil {
		return err
	}

	var missing []string
	if o.NodeId == "" {
		missing = append(missing, "node_id")
	}
	if o.InternalAuthToken == "" {
		missing = append(missing, "internal_auth_token")
	}
	if o.CallbackUrl == "" {
		missing = append(missing, "callback_url")
	}
	if o.CallbackAuthToken == "" {
		missing = append(missing, "callback_auth_token")
	}
	if o.ModelType == "" {
		missing = append(missing, "model_type")
	}
	if o.ModelVersion == "" {
		missing = append(missing, "model_version")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config fields: %s", strings.Join(missing, ", "))
	}

	if o.EngineEndpoint == "" && !o.SimulateInference {
		return fmt.Errorf("either engine_endpoint or simulate_inference must be specified")
	}

	if o.Port == 0 {
		o.Port = DefaultServerPort
	}
	if o.CallbackTimeoutSeconds <= 0 {
		o.CallbackTimeoutSeconds = DefaultCallbackTimeoutSeconds
	}
	if o.CallbackMaxRetries <= 0 {
		o.CallbackMaxRetries = DefaultCallbackMaxRetries
	}
	if o.CallbackRetryIntervalSeconds <= 0 {
		o.CallbackRetryIntervalSeconds = DefaultCallbackRetryIntervalSeconds
	}
	if o.OutputDirectory == "" {
		o.OutputDirectory = "output"
	}

	return nil
}

func (o *GpuServerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *GpuServerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(o, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}
