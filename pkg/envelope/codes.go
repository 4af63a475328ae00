package envelope

// Code is a wire-stable numeric system error code.
type Code int

const (
	// CodeParseError indicates the inbound frame was not valid JSON
	CodeParseError Code = -32700
	// CodeInvalidRequest indicates the frame parsed but is not a valid message
	CodeInvalidRequest Code = -32600
	// CodeMethodNotFound indicates the target agent has no such method
	CodeMethodNotFound Code = -32601
	// CodeInvalidParams indicates the method rejected its arguments
	CodeInvalidParams Code = -32602
	// CodeInternalError indicates an unclassified engine failure
	CodeInternalError Code = -32603

	// CodeNoSuchAgent indicates the target agent does not exist and was not created
	CodeNoSuchAgent Code = -32000
	// CodeShutdownAgent indicates the target agent is shut down and accepts no input
	CodeShutdownAgent Code = -32001
	// CodeCheckpointFailure indicates the durable checkpoint write failed or lost ownership
	CodeCheckpointFailure Code = -32002
	// CodePrepareFailure indicates a transactional child failed to prepare
	CodePrepareFailure Code = -32003
	// CodeExceptionThrown indicates application logic panicked or errored during dispatch
	CodeExceptionThrown Code = -32004
	// CodeCommitFailure indicates a transactional child failed to commit after persist
	CodeCommitFailure Code = -32005
	// CodeForcedRedirect indicates another node owns the target agent
	CodeForcedRedirect Code = -32006
	// CodeNotAuthorized indicates the message token was rejected
	CodeNotAuthorized Code = -32007
)

// recoverable codes signal that a retry, possibly against a different node,
// may succeed. All other codes are definitive.
var recoverable = map[Code]bool{
	CodeNoSuchAgent:       true,
	CodeShutdownAgent:     true,
	CodeCheckpointFailure: true,
	CodePrepareFailure:    true,
	CodeInternalError:     true,
}

// Recoverable reports whether callers may retry after receiving this code.
func (c Code) Recoverable() bool {
	return recoverable[c]
}

// String returns a short name for the code.
func (c Code) String() string {
	switch c {
	case CodeParseError:
		return "parse_error"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeMethodNotFound:
		return "method_not_found"
	case CodeInvalidParams:
		return "invalid_params"
	case CodeInternalError:
		return "internal_error"
	case CodeNoSuchAgent:
		return "no_such_agent"
	case CodeShutdownAgent:
		return "shutdown_agent"
	case CodeCheckpointFailure:
		return "checkpoint_failure"
	case CodePrepareFailure:
		return "prepare_failure"
	case CodeExceptionThrown:
		return "exception_thrown"
	case CodeCommitFailure:
		return "commit_failure"
	case CodeForcedRedirect:
		return "forced_redirect"
	case CodeNotAuthorized:
		return "not_authorized"
	default:
		return "unknown"
	}
}
