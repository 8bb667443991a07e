// Package config holds process-wide kernel configuration, loaded with
// defaults and overridable from the environment the way the teacher's
// internal/web-app/main.go reads DB_HOST/DB_MAX_CONNS etc (os.Getenv with
// a fallback default), generalized from "one flat config struct set up
// once in main" to the same pattern for the kernel's own knobs.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/clinicore/kernel/pkg/event"
)

// KernelConfig holds the knobs spec.md §4.4/§4.3/§5/§9 leave to the
// implementation: retry budgets, sync timeouts, and the visibility tag
// registry (the resolved Open Question from spec.md §9).
type KernelConfig struct {
	// CommandRetryMax is how many times CommandHandler retries an append
	// that failed on VersionConflict before giving up with
	// ConcurrencyError (spec.md §4.4 step 7).
	CommandRetryMax int

	// CommandRetryBaseDelay is the base of the exponential-backoff-with-
	// full-jitter retry delay (spec.md §9 resolved: base 20ms).
	CommandRetryBaseDelay time.Duration

	// DispatchRetryMax is how many times the EventDispatcher retries a
	// failing projection handler before moving the event to that
	// projection's dead-letter queue (spec.md §4.3).
	DispatchRetryMax int

	// SyncPhaseTimeout is the configured per-phase sync timeout (spec.md
	// §4.6). pkg/sync does not read it: Hub and Device phases run without
	// a timeout of their own.
	SyncPhaseTimeout time.Duration

	// ClockDriftWarnThresholdMs is the configured device/hub clock drift
	// threshold, in milliseconds (spec.md §9). pkg/sync does not read it:
	// the hub computes drift during the handshake but neither compares it
	// with this value nor logs it.
	ClockDriftWarnThresholdMs int64

	// VisibilityTags is the registry of valid visibility tags a fresh
	// Envelope may carry (spec.md §9 resolved Open Question).
	VisibilityTags []event.VisibilityTag
}

// Default returns the kernel's default configuration (spec.md §9:
// CommandRetryMax=5, DispatchRetryMax=5).
func Default() KernelConfig {
	return KernelConfig{
		CommandRetryMax:           5,
		CommandRetryBaseDelay:     20 * time.Millisecond,
		DispatchRetryMax:          5,
		SyncPhaseTimeout:          30 * time.Second,
		ClockDriftWarnThresholdMs: 2000,
		VisibilityTags: []event.VisibilityTag{
			event.VisibilityStandard,
			event.VisibilityPart2Protected,
			event.VisibilityBillingOnly,
			event.VisibilityPatientPortal,
			event.VisibilityRestrictedLegalHold,
		},
	}
}

// FromEnv layers environment overrides on top of Default(), mirroring the
// teacher's os.Getenv-with-fallback idiom.
func FromEnv() KernelConfig {
	cfg := Default()

	if v := os.Getenv("KERNEL_COMMAND_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandRetryMax = n
		}
	}
	if v := os.Getenv("KERNEL_COMMAND_RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandRetryBaseDelay = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("KERNEL_DISPATCH_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchRetryMax = n
		}
	}
	if v := os.Getenv("KERNEL_SYNC_PHASE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SyncPhaseTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("KERNEL_CLOCK_DRIFT_WARN_THRESHOLD_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ClockDriftWarnThresholdMs = n
		}
	}

	return cfg
}
