package errors

import stderrors "errors"

// Kinds of failure the relay distinguishes. None of them is fatal to the
// process; they decide how a turn ends and what the client is told.
var (
	// ErrParse marks a call_tool occurrence whose syntax or argument payload
	// could not be decoded.
	ErrParse = stderrors.New("parse error")
	// ErrUnknownTool marks an invocation naming a tool absent from the
	// registry snapshot. Such invocations are never dispatched.
	ErrUnknownTool = stderrors.New("unknown tool")
	// ErrInvokeTimeout marks an invocation with no response inside its bound.
	ErrInvokeTimeout = stderrors.New("invoke timeout")
	// ErrConnection marks the tool server as unreachable after the reconnect
	// budget was spent.
	ErrConnection = stderrors.New("connection unavailable")
	// ErrToolFailed marks a call the tool server answered with an error.
	ErrToolFailed = stderrors.New("tool failed")
	// ErrProvider marks a failed LLM call (quota, auth, network).
	ErrProvider = stderrors.New("provider error")
	// ErrRoundLimit is a policy cutoff, reported but not treated as a failure.
	ErrRoundLimit = stderrors.New("round limit exceeded")
	// ErrCanceled marks work aborted by a client cancel or disconnect.
	ErrCanceled = stderrors.New("canceled")
)

var kindNames = []struct {
	err  error
	name string
}{
	{ErrParse, "parse_error"},
	{ErrUnknownTool, "unknown_tool"},
	{ErrInvokeTimeout, "invoke_timeout"},
	{ErrConnection, "connection_error"},
	{ErrToolFailed, "tool_error"},
	{ErrProvider, "provider_error"},
	{ErrRoundLimit, "round_limit"},
	{ErrCanceled, "canceled"},
}

type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Mark tags err with kind so that Is(err, kind) holds while the original
// cause stays reachable. A nil err produces the bare kind.
func Mark(err error, kind error) error {
	if err != nil && stderrors.Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, cause: err}
}

// KindOf returns the wire name of the first kind found in err, or
// "internal_error" when err carries none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if stderrors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal_error"
}
