// Package errors provides unified, structured error handling for the engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Configuration errors (1xxx)
	ErrCodeConfigMissing    ErrorCode = "CFG_1001"
	ErrCodeConfigInvalid    ErrorCode = "CFG_1002"
	ErrCodeConfigValidation ErrorCode = "CFG_1003"

	// Permission errors (2xxx)
	ErrCodePermissionDenied ErrorCode = "PERM_2001"
	ErrCodePathEscalation   ErrorCode = "PERM_2002"
	ErrCodeCapabilityDenied ErrorCode = "PERM_2003"

	// Storage errors (3xxx)
	ErrCodeStorageWrite     ErrorCode = "STORE_3001"
	ErrCodeStorageRead      ErrorCode = "STORE_3002"
	ErrCodeStorageCorrupt   ErrorCode = "STORE_3003"
	ErrCodeStoragePressure  ErrorCode = "STORE_3004"

	// Contract violations (4xxx) — internal invariant breaks, never expected in normal operation
	ErrCodeInvariantBroken   ErrorCode = "CONTRACT_4001"
	ErrCodeHashChainBroken   ErrorCode = "CONTRACT_4002"
	ErrCodeSchemaMismatch    ErrorCode = "CONTRACT_4003"

	// Plugin errors (5xxx)
	ErrCodePluginLoad    ErrorCode = "PLUGIN_5001"
	ErrCodePluginCrash   ErrorCode = "PLUGIN_5002"
	ErrCodeLockfileFail  ErrorCode = "PLUGIN_5003"

	// Budget errors (6xxx)
	ErrCodeBudgetExhausted ErrorCode = "BUDGET_6001"
	ErrCodeLeaseDenied     ErrorCode = "BUDGET_6002"
)

// ExitCode maps an error kind onto the process exit codes used by the CLI
// surface: 0 success, 1 generic failure, 2 contract violation / integrity
// failure severe enough to demand operator attention.
type ExitCode int

const (
	ExitOK              ExitCode = 0
	ExitFailure         ExitCode = 1
	ExitContractBroken  ExitCode = 2
)

// EngineError represents a structured error with a stable code, message,
// exit code, and arbitrary structured details.
type EngineError struct {
	Code     ErrorCode              `json:"code"`
	Message  string                 `json:"message"`
	ExitCode ExitCode               `json:"-"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Err      error                  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional structured context to the error.
func (e *EngineError) WithDetails(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new EngineError.
func New(code ErrorCode, message string, exitCode ExitCode) *EngineError {
	return &EngineError{Code: code, Message: message, ExitCode: exitCode}
}

// Wrap wraps an existing error with an EngineError.
func Wrap(code ErrorCode, message string, exitCode ExitCode, err error) *EngineError {
	return &EngineError{Code: code, Message: message, ExitCode: exitCode, Err: err}
}

// Configuration errors

func ConfigMissing(path string) *EngineError {
	return New(ErrCodeConfigMissing, "configuration file not found", ExitFailure).
		WithDetails("path", path)
}

func ConfigInvalid(path string, err error) *EngineError {
	return Wrap(ErrCodeConfigInvalid, "configuration could not be parsed", ExitFailure, err).
		WithDetails("path", path)
}

func ConfigValidation(field, reason string) *EngineError {
	return New(ErrCodeConfigValidation, "configuration failed validation", ExitFailure).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Permission errors

func PermissionDenied(path string, err error) *EngineError {
	return Wrap(ErrCodePermissionDenied, "permission denied", ExitFailure, err).
		WithDetails("path", path)
}

func PathEscalation(path, root string) *EngineError {
	return New(ErrCodePathEscalation, "path escapes configured root", ExitFailure).
		WithDetails("path", path).
		WithDetails("root", root)
}

func CapabilityDenied(pluginID, capability string) *EngineError {
	return New(ErrCodeCapabilityDenied, "capability not granted to plugin", ExitFailure).
		WithDetails("plugin_id", pluginID).
		WithDetails("capability", capability)
}

// Storage errors

func StorageWrite(store string, err error) *EngineError {
	return Wrap(ErrCodeStorageWrite, "storage write failed", ExitFailure, err).
		WithDetails("store", store)
}

func StorageRead(store string, err error) *EngineError {
	return Wrap(ErrCodeStorageRead, "storage read failed", ExitFailure, err).
		WithDetails("store", store)
}

func StorageCorrupt(store, recordID string, err error) *EngineError {
	return Wrap(ErrCodeStorageCorrupt, "storage record failed integrity check", ExitContractBroken, err).
		WithDetails("store", store).
		WithDetails("record_id", recordID)
}

func StoragePressure(freeBytes, thresholdBytes int64) *EngineError {
	return New(ErrCodeStoragePressure, "storage pressure threshold exceeded", ExitFailure).
		WithDetails("free_bytes", freeBytes).
		WithDetails("threshold_bytes", thresholdBytes)
}

// Contract violations

func InvariantBroken(invariant string, err error) *EngineError {
	return Wrap(ErrCodeInvariantBroken, "internal invariant violated", ExitContractBroken, err).
		WithDetails("invariant", invariant)
}

func HashChainBroken(sequence int64, expectedPrev, gotPrev string) *EngineError {
	return New(ErrCodeHashChainBroken, "ledger hash chain broken", ExitContractBroken).
		WithDetails("sequence", sequence).
		WithDetails("expected_prev", expectedPrev).
		WithDetails("got_prev", gotPrev)
}

func SchemaMismatch(kind string, gotVersion, wantVersion int) *EngineError {
	return New(ErrCodeSchemaMismatch, "schema version mismatch", ExitContractBroken).
		WithDetails("kind", kind).
		WithDetails("got_version", gotVersion).
		WithDetails("want_version", wantVersion)
}

// Plugin errors

func PluginLoad(pluginID string, err error) *EngineError {
	return Wrap(ErrCodePluginLoad, "plugin failed to load", ExitFailure, err).
		WithDetails("plugin_id", pluginID)
}

func PluginCrash(pluginID, capability string, err error) *EngineError {
	return Wrap(ErrCodePluginCrash, "plugin crashed during invocation", ExitFailure, err).
		WithDetails("plugin_id", pluginID).
		WithDetails("capability", capability)
}

func LockfileFail(pluginID, reason string) *EngineError {
	return New(ErrCodeLockfileFail, "plugin lockfile verification failed", ExitFailure).
		WithDetails("plugin_id", pluginID).
		WithDetails("reason", reason)
}

// Budget errors

func BudgetExhausted(jobID string, consumedMs, budgetMs int64) *EngineError {
	return New(ErrCodeBudgetExhausted, "job exhausted its budget", ExitFailure).
		WithDetails("job_id", jobID).
		WithDetails("consumed_ms", consumedMs).
		WithDetails("budget_ms", budgetMs)
}

func LeaseDenied(mode string, requestedMs int64) *EngineError {
	return New(ErrCodeLeaseDenied, "budget lease denied by runtime governor", ExitFailure).
		WithDetails("mode", mode).
		WithDetails("requested_ms", requestedMs)
}

// Helper functions

// IsEngineError checks if an error is an EngineError.
func IsEngineError(err error) bool {
	var engineErr *EngineError
	return errors.As(err, &engineErr)
}

// GetEngineError extracts an EngineError from an error chain.
func GetEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}

// GetExitCode returns the process exit code for an error.
func GetExitCode(err error) ExitCode {
	if engineErr := GetEngineError(err); engineErr != nil {
		return engineErr.ExitCode
	}
	return ExitFailure
}
