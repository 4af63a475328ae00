package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeValues(t *testing.T) {
	// Wire-stable: these values are part of the protocol.
	assert.EqualValues(t, -32700, CodeParseError)
	assert.EqualValues(t, -32600, CodeInvalidRequest)
	assert.EqualValues(t, -32601, CodeMethodNotFound)
	assert.EqualValues(t, -32602, CodeInvalidParams)
	assert.EqualValues(t, -32603, CodeInternalError)
	assert.EqualValues(t, -32000, CodeNoSuchAgent)
	assert.EqualValues(t, -32001, CodeShutdownAgent)
	assert.EqualValues(t, -32002, CodeCheckpointFailure)
	assert.EqualValues(t, -32003, CodePrepareFailure)
	assert.EqualValues(t, -32004, CodeExceptionThrown)
	assert.EqualValues(t, -32005, CodeCommitFailure)
	assert.EqualValues(t, -32006, CodeForcedRedirect)
	assert.EqualValues(t, -32007, CodeNotAuthorized)
}

func TestRecoverable(t *testing.T) {
	recoverable := []Code{
		CodeNoSuchAgent,
		CodeShutdownAgent,
		CodeCheckpointFailure,
		CodePrepareFailure,
		CodeInternalError,
	}
	for _, c := range recoverable {
		assert.True(t, c.Recoverable(), "%s should be recoverable", c)
	}

	definitive := []Code{
		CodeParseError,
		CodeInvalidRequest,
		CodeMethodNotFound,
		CodeInvalidParams,
		CodeExceptionThrown,
		CodeCommitFailure,
		CodeForcedRedirect,
		CodeNotAuthorized,
	}
	for _, c := range definitive {
		assert.False(t, c.Recoverable(), "%s should not be recoverable", c)
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "forced_redirect", CodeForcedRedirect.String())
	assert.Equal(t, "checkpoint_failure", CodeCheckpointFailure.String())
	assert.Equal(t, "unknown", Code(-1).String())
}
