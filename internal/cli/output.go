package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/agentledger/internal/checkpoint"
	"github.com/roach88/agentledger/internal/identity"
	"github.com/roach88/agentledger/internal/ledger"
	"github.com/roach88/agentledger/internal/mint"
	"github.com/roach88/agentledger/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command succeeded
	ExitFailure      = 1 // verification failed, lost a race, or the request was rejected
	ExitCommandError = 2 // bad flags, unreadable config, unreachable database
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Errors that are not ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Error codes reported in CLIError.Code.
const (
	CodeChainConflict     = "CHAIN_CONFLICT"
	CodeEpochConflict     = "EPOCH_CONFLICT"
	CodeHashMismatch      = "HASH_MISMATCH"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotFound          = "NOT_FOUND"
	CodeUnknownChain      = "UNKNOWN_CHAIN"
	CodeDuplicate         = "DUPLICATE"
	CodeNothingToCommit   = "NOTHING_TO_COMMIT"
	CodeCommandError      = "COMMAND_ERROR"
	CodeFailure           = "FAILURE"
)

// ErrorCode classifies err for machine-readable output.
func ErrorCode(err error) string {
	switch {
	case ledger.IsChainConflict(err):
		return CodeChainConflict
	case ledger.IsHashMismatch(err):
		return CodeHashMismatch
	case mint.IsInvalidTransition(err):
		return CodeInvalidTransition
	}
	var epochErr *checkpoint.EpochConflictError
	if errors.As(err, &epochErr) {
		return CodeEpochConflict
	}
	switch {
	case errors.Is(err, identity.ErrUnknownChain):
		return CodeUnknownChain
	case errors.Is(err, mint.ErrDuplicateReceipt),
		errors.Is(err, mint.ErrExternalRefConflict):
		return CodeDuplicate
	case errors.Is(err, checkpoint.ErrNothingToCommit):
		return CodeNothingToCommit
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, mint.ErrReceiptNotFound),
		errors.Is(err, mint.ErrBlockNotFound),
		errors.Is(err, checkpoint.ErrAgentNotCommitted):
		return CodeNotFound
	}
	if GetExitCode(err) == ExitCommandError {
		return CodeCommandError
	}
	return CodeFailure
}

// OutputFormatter renders command results as text or as a CLIResponse
// JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error body of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data. In text mode data is printed with fmt.
func (f *OutputFormatter) Success(data any) error {
	return f.Emit(data, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, data)
		return err
	})
}

// Emit writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer) error) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	return text(f.Writer)
}

// Error writes an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose mode is on. It goes to
// ErrWriter so JSON on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter, or Writer when unset.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
