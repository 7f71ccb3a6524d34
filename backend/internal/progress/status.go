package progress

import (
	"fmt"
	"time"
)

// StatusFor returns the default status phrase for a state, used when a
// frame carries no status of its own and for snapshot frames.
func StatusFor(state string) string {
	switch state {
	case "pending":
		return "Queued"
	case "analyzing":
		return "Analyzing the question"
	case "tool_calling":
		return "Consulting data sources"
	case "synthesizing":
		return "Composing the answer"
	case "completed":
		return "Done"
	case "failed":
		return "Failed"
	default:
		return "Working"
	}
}

// ElapsedStatus renders a subscriber-side heartbeat string for the last
// seen frame, e.g. "Consulting data sources... (12s)". Presentation only;
// the state machine never produces these.
func ElapsedStatus(last Event, now time.Time) string {
	status := last.Status
	if status == "" {
		status = StatusFor(last.State)
	}
	elapsed := now.Sub(last.At)
	if elapsed < time.Second {
		return status + "..."
	}
	return fmt.Sprintf("%s... (%ds)", status, int(elapsed.Seconds()))
}
