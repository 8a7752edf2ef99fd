// Package model defines fleetguard's configuration, persisted records, and
// state transition rules.
package model

// Config is the fleetguard configuration file.
type Config struct {
	SchemaVersion int               `yaml:"schema_version"`
	DataDir       string            `yaml:"data_dir" validate:"required"`
	Server        ServerConfig      `yaml:"server"`
	Store         StoreConfig       `yaml:"store"`
	Remediation   RemediationPolicy `yaml:"remediation"`
	Guard         GuardPolicy       `yaml:"guard"`
	Drain         DrainConfig       `yaml:"drain"`
	Escalation    EscalationConfig  `yaml:"escalation"`
	Executor      ExecutorConfig    `yaml:"executor"`
	Notify        NotifyConfig      `yaml:"notify"`
	Audit         AuditConfig       `yaml:"audit"`
	Logging       LoggingConfig     `yaml:"logging"`

	Actions   []RemediationAction `yaml:"actions" validate:"dive"`
	Hosts     []HostConfig        `yaml:"hosts" validate:"dive"`
	Workflows []Workflow          `yaml:"workflows" validate:"dive"`
}

type ServerConfig struct {
	Listen             string  `yaml:"listen" validate:"required"`
	OpsToken           string  `yaml:"ops_token"`
	OpsRatePerSec      float64 `yaml:"ops_rate_per_sec" validate:"gte=0"`
	OpsBurst           int     `yaml:"ops_burst" validate:"gte=0"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

// RemediationPolicy is the global remediation policy. The json names are the
// keys hosts use to override individual fields in their metadata.
type RemediationPolicy struct {
	DryRunMaxAgeMinutes    int  `yaml:"dry_run_max_age_minutes" json:"dryRunMaxAgeMinutes" validate:"gte=1"`
	ExecuteCooldownMinutes int  `yaml:"execute_cooldown_minutes" json:"executeCooldownMinutes" validate:"gte=0"`
	MaxExecutePerHour      int  `yaml:"max_execute_per_hour" json:"maxExecutePerHour" validate:"gte=1"`
	MaxQueuePerHost        int  `yaml:"max_queue_per_host" json:"maxQueuePerHost" validate:"gte=1"`
	MaxQueueTotal          int  `yaml:"max_queue_total" json:"maxQueueTotal" validate:"gte=1"`
	QueueTTLMinutes        int  `yaml:"queue_ttl_minutes" json:"queueTtlMinutes" validate:"gte=1"`
	MaxRetryAttempts       int  `yaml:"max_retry_attempts" json:"maxRetryAttempts" validate:"gte=1"`
	RetryBackoffSeconds    int  `yaml:"retry_backoff_seconds" json:"retryBackoffSeconds" validate:"gte=1"`
	RetryBackoffMaxSeconds int  `yaml:"retry_backoff_max_seconds" json:"retryBackoffMaxSeconds" validate:"gtefield=RetryBackoffSeconds"`
	CommandTimeoutMs       int  `yaml:"command_timeout_ms" json:"commandTimeoutMs" validate:"gte=100"`
	MaxBufferBytes         int  `yaml:"max_buffer_bytes" json:"maxBufferBytes" validate:"gte=1024"`
	AutoRollback           bool `yaml:"auto_rollback" json:"autoRollback"`
	CanaryEnabled          bool `yaml:"canary_enabled" json:"canaryEnabled"`
	CanaryRolloutPercent   int  `yaml:"canary_rollout_percent" json:"canaryRolloutPercent" validate:"gte=0,lte=100"`
}

type GuardPolicy struct {
	EnforceAllowlist     bool     `yaml:"enforce_allowlist" json:"enforceAllowlist"`
	MaxCommandsPerAction int      `yaml:"max_commands_per_action" json:"maxCommandsPerAction" validate:"gte=1"`
	MaxCommandLength     int      `yaml:"max_command_length" json:"maxCommandLength" validate:"gte=1"`
	AllowPatterns        []string `yaml:"allow_patterns" json:"allowPatterns"`
}

type DrainConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Mode          string `yaml:"mode" validate:"oneof=local http"`
	URL           string `yaml:"url" validate:"required_if=Mode http"`
	IntervalSec   int    `yaml:"interval_sec" validate:"gte=1"`
	MaxBackoffSec int    `yaml:"max_backoff_sec" validate:"gtefield=IntervalSec"`
	Limit         int    `yaml:"limit" validate:"gte=1"`
	AutoDrain     bool   `yaml:"auto_drain"`
}

type TimerPolicy struct {
	AckMinutes        int `yaml:"ack_minutes" validate:"gte=1"`
	EscalationMinutes int `yaml:"escalation_minutes" validate:"gte=1"`
}

type EscalationConfig struct {
	Enabled     bool                     `yaml:"enabled"`
	IntervalSec int                      `yaml:"interval_sec" validate:"gte=1"`
	Limit       int                      `yaml:"limit" validate:"gte=1"`
	Timers      map[Severity]TimerPolicy `yaml:"timers" validate:"dive"`
}

type ExecutorConfig struct {
	Kind string    `yaml:"kind" validate:"oneof=local ssh"`
	SSH  SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User           string `yaml:"user"`
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	KeyPath        string `yaml:"key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	DialTimeoutSec int    `yaml:"dial_timeout_sec" validate:"gte=0"`
}

type NotifyConfig struct {
	TimeoutSec int             `yaml:"timeout_sec" validate:"gte=0"`
	Webhooks   []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type WebhookConfig struct {
	Name  string   `yaml:"name" validate:"required"`
	URL   string   `yaml:"url" validate:"required,url"`
	Kinds []string `yaml:"kinds"`
}

type AuditConfig struct {
	Sink     string `yaml:"sink" validate:"oneof=store file"`
	Path     string `yaml:"path" validate:"required_if=Sink file"`
	MaxBytes int64  `yaml:"max_bytes" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

type StepKind string

const (
	StepManual    StepKind = "manual"
	StepNotify    StepKind = "notify"
	StepRemediate StepKind = "remediate"
)

// Workflow is an incident playbook: its steps are executed by operators
// through the incident engine.
type Workflow struct {
	ID       string         `yaml:"id" json:"id" validate:"required"`
	Title    string         `yaml:"title" json:"title" validate:"required"`
	Severity Severity       `yaml:"severity" json:"severity" validate:"oneof=critical high medium"`
	Steps    []WorkflowStep `yaml:"steps" json:"steps" validate:"dive"`
}

type WorkflowStep struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Title    string   `yaml:"title" json:"title"`
	Kind     StepKind `yaml:"kind" json:"kind" validate:"oneof=manual notify remediate"`
	Target   string   `yaml:"target,omitempty" json:"target,omitempty"`
	ActionID string   `yaml:"action_id,omitempty" json:"actionId,omitempty" validate:"required_if=Kind remediate"`
}
