package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultConfig(t *testing.T) {
	assert.NoError(t, NewValidator().Validate(DefaultConfig()))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Coordinator.Listen = []string{":5150", "no-port", ":5150"}
	cfg.Coordinator.Granularity = "tiny"
	cfg.Worker.Slots = 0
	cfg.Protocol.MaxFrameSize = 10
	cfg.Protocol.WriteTimeout = -time.Second
	cfg.Logging.Level = "loud"

	err := Validate(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make([]string, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, e.Field)
	}
	assert.Contains(t, fields, "coordinator.listen[1]")
	assert.Contains(t, fields, "coordinator.listen[2]")
	assert.Contains(t, fields, "coordinator.granularity")
	assert.Contains(t, fields, "worker.slots")
	assert.Contains(t, fields, "protocol.max_frame_size")
	assert.Contains(t, fields, "protocol.write_timeout")
	assert.Contains(t, fields, "logging.level")
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestValidateFileOutputNeedsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "file"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.file_path")

	cfg.Logging.FilePath = "/tmp/cipp.log"
	assert.NoError(t, Validate(cfg))
}

func TestValidateSkipsDisabledServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Enabled = false
	cfg.Server.Address = "garbage"
	assert.NoError(t, Validate(cfg))
}
