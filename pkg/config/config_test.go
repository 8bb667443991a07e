package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.CommandRetryMax)
	assert.Equal(t, 5, cfg.DispatchRetryMax)
	assert.Equal(t, 20*time.Millisecond, cfg.CommandRetryBaseDelay)
	assert.Len(t, cfg.VisibilityTags, 5)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("KERNEL_COMMAND_RETRY_MAX", "9")
	defer os.Unsetenv("KERNEL_COMMAND_RETRY_MAX")

	cfg := FromEnv()
	assert.Equal(t, 9, cfg.CommandRetryMax)
	assert.Equal(t, 5, cfg.DispatchRetryMax)
}
