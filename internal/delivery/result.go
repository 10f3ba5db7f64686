package delivery

import "fmt"

// Result is the outcome of a send. The zero value is not meaningful; use
// Success or Failure.
type Result struct {
	ok     bool
	Reason string
	// StatusCode is the HTTP status when a response was received.
	StatusCode int
}

// Success returns a successful result.
func Success() Result { return Result{ok: true} }

// Failure returns a failed result with a reason.
func Failure(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// OK reports whether the send was accepted.
func (r Result) OK() bool { return r.ok }

func (r Result) String() string {
	if r.ok {
		return "success"
	}
	return "failure: " + r.Reason
}
