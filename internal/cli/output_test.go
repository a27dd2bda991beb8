package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentledger/internal/checkpoint"
	"github.com/roach88/agentledger/internal/identity"
	"github.com/roach88/agentledger/internal/ledger"
	"github.com/roach88/agentledger/internal/mint"
	"github.com/roach88/agentledger/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"agent_id": "abc"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"agent_id": "abc"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(CodeChainConflict, "append failed", map[string]int{"attempts": 5}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeChainConflict, resp.Error.Code)
	assert.Equal(t, "append failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(CodeNotFound, "no such block", "idx 9"))
	assert.Equal(t, "Error [NOT_FOUND]: no such block\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(CodeNotFound, "no such block", "idx 9"))
	assert.Contains(t, buf.String(), "Details: idx 9")
}

func TestOutputFormatter_EmitText(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Emit(42, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "forty-two")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "forty-two\n", buf.String())
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}

	formatter.VerboseLog("hidden %d", 1)
	assert.Empty(t, errOut.String())

	formatter.Verbose = true
	formatter.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", errOut.String())
	assert.Empty(t, out.String())
}

func TestOutputFormatter_GetErrWriterFallback(t *testing.T) {
	out := &bytes.Buffer{}
	formatter := &OutputFormatter{Writer: out}
	assert.Same(t, out, formatter.GetErrWriter())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "verify", errors.New("mismatch")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapExitError(ExitCommandError, "failed to open database", cause)
	assert.Equal(t, "failed to open database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "no backend", NewExitError(ExitCommandError, "no backend").Error())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"chain conflict", &ledger.ChainConflictError{AgentID: "a", Attempts: 5, Err: store.ErrConflict}, CodeChainConflict},
		{"hash mismatch", fmt.Errorf("verify: %w", &ledger.HashMismatchError{AgentID: "a"}), CodeHashMismatch},
		{"epoch conflict", &checkpoint.EpochConflictError{Epoch: 3, Attempts: 5, Err: store.ErrConflict}, CodeEpochConflict},
		{"invalid transition", &mint.InvalidTransitionError{From: mint.StatusConfirmed, To: mint.StatusFailed}, CodeInvalidTransition},
		{"unknown chain", &identity.UnknownChainError{Name: "nope"}, CodeUnknownChain},
		{"duplicate receipt", mint.ErrDuplicateReceipt, CodeDuplicate},
		{"job id conflict", mint.ErrExternalRefConflict, CodeDuplicate},
		{"nothing to commit", checkpoint.ErrNothingToCommit, CodeNothingToCommit},
		{"not found", fmt.Errorf("block a/9: %w", store.ErrNotFound), CodeNotFound},
		{"agent not committed", checkpoint.ErrAgentNotCommitted, CodeNotFound},
		{"command error", NewExitError(ExitCommandError, "bad flag"), CodeCommandError},
		{"other", errors.New("boom"), CodeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}
