package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateCoordinator(&cfg.Coordinator)
	v.validateWorker(&cfg.Worker)
	v.validateProtocol(&cfg.Protocol)
	v.validateServer(&cfg.Server)
	v.validateLogging(&cfg.Logging)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a convenience wrapper around Validator.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}

func (v *Validator) validateCoordinator(c *CoordinatorConfig) {
	seen := make(map[string]bool)
	for i, addr := range c.Listen {
		field := fmt.Sprintf("coordinator.listen[%d]", i)
		if !validAddress(addr) {
			v.addError(field, fmt.Sprintf("invalid address %q", addr))
			continue
		}
		if seen[addr] {
			v.addError(field, fmt.Sprintf("duplicate address %q", addr))
		}
		seen[addr] = true
	}

	switch c.Granularity {
	case GranularityNone, GranularityComputeUnits, GranularityDouble:
	default:
		v.addError("coordinator.granularity", fmt.Sprintf("must be one of %s, %s, %s",
			GranularityNone, GranularityComputeUnits, GranularityDouble))
	}

	if c.ComputeUnits < 0 {
		v.addError("coordinator.compute_units", "must not be negative")
	}
	if c.LocalWorkers < 0 {
		v.addError("coordinator.local_workers", "must not be negative")
	}
	if c.StopTimeout <= 0 {
		v.addError("coordinator.stop_timeout", "must be positive")
	}
}

func (v *Validator) validateWorker(w *WorkerConfig) {
	if w.CoordinatorAddr != "" && !validAddress(w.CoordinatorAddr) {
		v.addError("worker.coordinator_addr", fmt.Sprintf("invalid address %q", w.CoordinatorAddr))
	}
	if w.Slots < 1 {
		v.addError("worker.slots", "must be at least 1")
	}
	if w.DialTimeout <= 0 {
		v.addError("worker.dial_timeout", "must be positive")
	}
	if w.ReconnectInterval < 0 {
		v.addError("worker.reconnect_interval", "must not be negative")
	}
}

func (v *Validator) validateProtocol(p *ProtocolConfig) {
	if p.MaxFrameSize < 1024 {
		v.addError("protocol.max_frame_size", "must be at least 1024 bytes")
	}
	if p.CompressThreshold < 0 {
		v.addError("protocol.compress_threshold", "must not be negative")
	}
	if p.WriteTimeout < 0 {
		v.addError("protocol.write_timeout", "must not be negative")
	}
}

func (v *Validator) validateServer(s *ServerConfig) {
	if !s.Enabled {
		return
	}
	if !validAddress(s.Address) {
		v.addError("server.address", fmt.Sprintf("invalid address %q", s.Address))
	}
	if s.ReadTimeout < 0 {
		v.addError("server.read_timeout", "must not be negative")
	}
	if s.WriteTimeout < 0 {
		v.addError("server.write_timeout", "must not be negative")
	}
}

func (v *Validator) validateLogging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("unknown level %q", l.Level))
	}
	switch l.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("unknown format %q", l.Format))
	}
	switch l.Output {
	case "stdout", "stderr", "both", "file":
	default:
		v.addError("logging.output", fmt.Sprintf("unknown output %q", l.Output))
	}
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		v.addError("logging.file_path", "required when output includes a file")
	}
}

func validAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
