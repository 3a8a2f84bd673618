package configuration

import (
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-playground/validator/v10"

	"github.com/quantforge/gpuscheduler/internal/common/logging"
	"github.com/quantforge/gpuscheduler/internal/scheduler/handlers"
	"github.com/quantforge/gpuscheduler/internal/scheduler/resources"
)

const (
	SubmissionTypeRedis  = "redis"
	SubmissionTypePulsar = "pulsar"
	SubmissionTypeNats   = "nats"
)

type Configuration struct {
	Logging logging.Config
	// Port on which /health and /metrics are served
	HttpPort uint16 `validate:"required"`
	// Prefix applied to every exported metric name
	MetricsPrefix string
	Scheduling    SchedulingConfig
	HealthMonitor HealthMonitorConfig
	Analytics     AnalyticsConfig
	// Accelerator slots managed by the in-process resource manager.
	// An empty list means no task requiring an accelerator can be admitted.
	Accelerators []resources.SlotConfig `validate:"dive"`
	// External command implementing each task type, keyed by task type (e.g. backtest, ml_training).
	// Tasks whose type has no entry are rejected at submission.
	Handlers   map[string]handlers.ExecConfig `validate:"dive"`
	Submission SubmissionConfig
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(SubmissionConfigValidation, SubmissionConfig{})
	return validate.Struct(c)
}

type SchedulingConfig struct {
	// Maximum number of tasks executing at once, with or without an accelerator
	MaxConcurrentTasks int `validate:"gt=0"`
	// Retries allowed for tasks that don't specify max_retries
	DefaultMaxRetries int `validate:"gte=0"`
	// Timeout for tasks that don't specify timeout_seconds
	DefaultTimeout time.Duration `validate:"gt=0"`
	// Fixed delay between a failed attempt and the task being queued again
	RetryDelay time.Duration `validate:"gte=0"`
	// How often the scheduling cycle (ingest, promote due retries, admit) runs
	CyclePeriod time.Duration `validate:"gt=0"`
	// Maximum number of submission records read per cycle
	IngestBatchSize int `validate:"gt=0"`
	// Maximum time a cycle waits on the submission source when nothing is available
	IngestWait time.Duration `validate:"gte=0"`
	// Terminal tasks older than this are moved from the working set into the completed-task history
	RetentionWindow time.Duration `validate:"gte=0"`
	CleanupInterval time.Duration `validate:"gt=0"`
	// Maximum number of tasks kept in the completed-task history. Oldest entries are evicted first.
	HistorySize int `validate:"gt=0"`
	// Tasks older than this are dropped from the completed-task history
	HistoryMaxAge time.Duration `validate:"gt=0"`
	// How long shutdown waits for running handlers before marking them cancelled
	ShutdownTimeout time.Duration `validate:"gte=0"`
}

type HealthMonitorConfig struct {
	// How often running tasks are checked for timeouts and excessive errors
	Interval time.Duration `validate:"gt=0"`
	// A running task is cancelled once its error count exceeds this value
	ErrorThreshold int `validate:"gt=0"`
	// Queue depth above which capacity pressure is reported
	QueueDepthWarning int `validate:"gt=0"`
	// Fraction of MaxConcurrentTasks at or above which capacity pressure is reported
	CapacityPressureRatio float64 `validate:"gt=0,lte=1"`
}

type AnalyticsConfig struct {
	// Queue length considered ideal when scoring queue efficiency
	IdealQueueLength int `validate:"gt=0"`
	// Queue depth above which the queue is reported as a bottleneck
	BottleneckQueueDepth int `validate:"gt=0"`
	// Accelerator utilisation percentage above which the pool is reported as a bottleneck
	BottleneckUtilizationPercent float64 `validate:"gt=0,lte=100"`
	// Average task duration above which task duration is reported as a bottleneck
	LongTaskDuration time.Duration `validate:"gt=0"`
	// How often a human readable analytics summary is logged. Zero disables the summary.
	SummaryInterval time.Duration `validate:"gte=0"`
}

type SubmissionConfig struct {
	// One of redis, pulsar or nats
	Type   string `validate:"oneof=redis pulsar nats"`
	Redis  RedisConfig
	Pulsar PulsarConfig
	Nats   NatsConfig
}

// SubmissionConfigValidation checks that the configuration block for the selected source is complete.
func SubmissionConfigValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(SubmissionConfig)
	switch c.Type {
	case SubmissionTypeRedis:
		if c.Redis.Addr == "" {
			sl.ReportError(c.Redis.Addr, "Redis.Addr", "Addr", "required", "")
		}
		if c.Redis.Key == "" {
			sl.ReportError(c.Redis.Key, "Redis.Key", "Key", "required", "")
		}
	case SubmissionTypePulsar:
		if c.Pulsar.URL == "" {
			sl.ReportError(c.Pulsar.URL, "Pulsar.URL", "URL", "required", "")
		}
		if c.Pulsar.Topic == "" {
			sl.ReportError(c.Pulsar.Topic, "Pulsar.Topic", "Topic", "required", "")
		}
		if c.Pulsar.SubscriptionName == "" {
			sl.ReportError(c.Pulsar.SubscriptionName, "Pulsar.SubscriptionName", "SubscriptionName", "required", "")
		}
	case SubmissionTypeNats:
		if len(c.Nats.Servers) == 0 {
			sl.ReportError(c.Nats.Servers, "Nats.Servers", "Servers", "required", "")
		}
		if c.Nats.Subject == "" {
			sl.ReportError(c.Nats.Subject, "Nats.Subject", "Subject", "required", "")
		}
	}
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// List that submission records are pushed onto (LPUSH) and popped from (RPOP)
	Key string
	// Optional list receiving records that could not be decoded
	DeadLetterKey string
}

type PulsarConfig struct {
	// Pulsar URL
	URL string
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// If set, authenticate with a JWT read from this file
	JwtTokenPath string
	Topic        string
	// Durable subscription used by every scheduler replica
	SubscriptionName string
	// One of exclusive, shared, failover or key_shared
	SubscriptionType  pulsar.SubscriptionType
	ReceiverQueueSize int
}

type NatsConfig struct {
	Servers []string
	// JetStream stream holding submissions. Created if it does not exist.
	Stream  string
	Subject string
	// Durable pull consumer name
	Durable  string
	InMemory bool
	// Maximum age of unconsumed submissions. Zero means unlimited.
	MaxAge time.Duration
}
