// Package config loads, validates and writes the fleetguard YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/fleetguard/internal/guard"
	"github.com/msageha/fleetguard/internal/model"
)

// CurrentSchemaVersion is the config layout this build reads and writes.
const CurrentSchemaVersion = 1

// FileName is the config file name inside a data dir.
const FileName = "fleetguard.yaml"

var validate = validator.New()

// Default returns a config that passes validation with no file present.
func Default(dataDir string) model.Config {
	return model.Config{
		SchemaVersion: CurrentSchemaVersion,
		DataDir:       dataDir,
		Server: model.ServerConfig{
			Listen:             "127.0.0.1:8088",
			OpsRatePerSec:      2,
			OpsBurst:           5,
			ShutdownTimeoutSec: 15,
		},
		Store: model.StoreConfig{Driver: "memory"},
		Remediation: model.RemediationPolicy{
			DryRunMaxAgeMinutes:    30,
			ExecuteCooldownMinutes: 10,
			MaxExecutePerHour:      6,
			MaxQueuePerHost:        3,
			MaxQueueTotal:          100,
			QueueTTLMinutes:        60,
			MaxRetryAttempts:       3,
			RetryBackoffSeconds:    5,
			RetryBackoffMaxSeconds: 60,
			CommandTimeoutMs:       30000,
			MaxBufferBytes:         64 * 1024,
			AutoRollback:           true,
			CanaryEnabled:          false,
			CanaryRolloutPercent:   10,
		},
		Guard: model.GuardPolicy{
			EnforceAllowlist:     true,
			MaxCommandsPerAction: 10,
			MaxCommandLength:     512,
		},
		Drain: model.DrainConfig{
			Enabled:       true,
			Mode:          "local",
			IntervalSec:   15,
			MaxBackoffSec: 300,
			Limit:         10,
			AutoDrain:     false,
		},
		Escalation: model.EscalationConfig{
			Enabled:     true,
			IntervalSec: 30,
			Limit:       50,
			Timers:      DefaultTimers(),
		},
		Executor: model.ExecutorConfig{Kind: "local"},
		Notify:   model.NotifyConfig{TimeoutSec: 10},
		Audit:    model.AuditConfig{Sink: "store"},
		Logging:  model.LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultTimers returns the per-severity acknowledgement and escalation timers.
func DefaultTimers() map[model.Severity]model.TimerPolicy {
	return map[model.Severity]model.TimerPolicy{
		model.SeverityCritical: {AckMinutes: 5, EscalationMinutes: 10},
		model.SeverityHigh:     {AckMinutes: 15, EscalationMinutes: 20},
		model.SeverityMedium:   {AckMinutes: 30, EscalationMinutes: 45},
	}
}

// Load reads path over Default(dir of path) and validates the result.
func Load(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes data over the defaults. Unknown keys are rejected.
func Parse(data []byte, dataDir string) (model.Config, error) {
	if err := checkSchemaVersion(data); err != nil {
		return model.Config{}, err
	}

	cfg := Default(dataDir)
	dec := yamlv3.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return model.Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func checkSchemaVersion(data []byte) error {
	var header struct {
		SchemaVersion int `yaml:"schema_version"`
	}
	if err := yamlv3.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if header.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	}
	return nil
}

// applyDefaults fills what a partial file may leave zero after decoding.
func applyDefaults(cfg *model.Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	defaults := DefaultTimers()
	if cfg.Escalation.Timers == nil {
		cfg.Escalation.Timers = defaults
	}
	for sev, tp := range defaults {
		if _, ok := cfg.Escalation.Timers[sev]; !ok {
			cfg.Escalation.Timers[sev] = tp
		}
	}
	for i := range cfg.Actions {
		if cfg.Actions[i].AutoTier == "" {
			cfg.Actions[i].AutoTier = model.AutoTierObserve
		}
	}
}

// Validate runs struct-tag validation followed by cross-field checks.
func Validate(cfg model.Config) error {
	var errs ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if !errors.As(err, &ves) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range ves {
			errs.Add(fe.Namespace(), fmt.Sprintf("failed %q (param %q)", fe.Tag(), fe.Param()))
		}
	}

	if _, err := guard.Compile(cfg.Guard); err != nil {
		errs.Add("Config.Guard.AllowPatterns", err.Error())
	}

	actions := make(map[string]bool, len(cfg.Actions))
	for i, a := range cfg.Actions {
		field := fmt.Sprintf("Config.Actions[%d]", i)
		if actions[a.ID] {
			errs.Add(field+".ID", fmt.Sprintf("duplicate action id %q", a.ID))
		}
		actions[a.ID] = true
	}

	hosts := make(map[string]bool, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		if hosts[h.ID] {
			errs.Add(fmt.Sprintf("Config.Hosts[%d].ID", i), fmt.Sprintf("duplicate host id %q", h.ID))
		}
		hosts[h.ID] = true
	}

	workflows := make(map[string]bool, len(cfg.Workflows))
	for i, w := range cfg.Workflows {
		field := fmt.Sprintf("Config.Workflows[%d]", i)
		if workflows[w.ID] {
			errs.Add(field+".ID", fmt.Sprintf("duplicate workflow id %q", w.ID))
		}
		workflows[w.ID] = true
		steps := make(map[string]bool, len(w.Steps))
		for j, st := range w.Steps {
			if steps[st.ID] {
				errs.Add(fmt.Sprintf("%s.Steps[%d].ID", field, j), fmt.Sprintf("duplicate step id %q", st.ID))
			}
			steps[st.ID] = true
			if st.Kind == model.StepRemediate && !actions[st.ActionID] {
				errs.Add(fmt.Sprintf("%s.Steps[%d].ActionID", field, j), fmt.Sprintf("unknown action %q", st.ActionID))
			}
		}
	}

	for sev := range cfg.Escalation.Timers {
		if !model.ValidSeverity(sev) {
			errs.Add("Config.Escalation.Timers", fmt.Sprintf("unknown severity %q", sev))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Hosts converts the configured hosts to model hosts.
func Hosts(cfg model.Config) ([]model.Host, error) {
	out := make([]model.Host, 0, len(cfg.Hosts))
	for _, hc := range cfg.Hosts {
		h, err := hc.ToHost()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Path returns the config path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}
