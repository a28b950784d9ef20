package stream

import "fmt"

// AbortReason says why a channel ended without a final event.
type AbortReason string

const (
	ReasonErrorEvent  AbortReason = "error_event"
	ReasonClosed      AbortReason = "closed"
	ReasonIdle        AbortReason = "idle_timeout"
	ReasonMaxDuration AbortReason = "max_duration"
	ReasonDial        AbortReason = "dial_failed"
	ReasonWrite       AbortReason = "write_failed"
	ReasonCancelled   AbortReason = "cancelled"
)

// AbortError is a stream abort: the channel ended before a final event was applied.
type AbortError struct {
	Reason AbortReason
	// Message is the pipeline's own text for error events.
	Message string
	Err     error
}

func (e *AbortError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("stream aborted (%s): %s", e.Reason, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("stream aborted (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("stream aborted (%s)", e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the nurse.
func (e *AbortError) UserMessage() string {
	switch e.Reason {
	case ReasonErrorEvent:
		if e.Message != "" {
			return "❌ " + e.Message
		}
		return "❌ The classification pipeline reported an error."
	case ReasonIdle:
		return "❌ The classification pipeline stopped responding."
	case ReasonMaxDuration:
		return "❌ Processing took too long and was stopped."
	case ReasonDial:
		return "❌ Could not reach the classification pipeline."
	case ReasonCancelled:
		return "Processing was cancelled."
	}
	return "❌ Connection closed before a result was received."
}
