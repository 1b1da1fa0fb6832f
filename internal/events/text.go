package events

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// TextSink prints events as human-readable lines. Task output is prefixed
// with the task ID; stderr lines are marked with "!".
type TextSink struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewTextSink creates a text sink. Without verbose, task output is not printed.
func NewTextSink(w io.Writer, verbose bool) *TextSink {
	return &TextSink{w: w, verbose: verbose}
}

func (s *TextSink) Write(ctx context.Context, e Event) error {
	var err error

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := e.(type) {
	case TaskStartedEvent:
		if ev.WorkerName == "" {
			_, err = fmt.Fprintf(s.w, "start  %s\n", ev.DisplayName)
		} else {
			_, err = fmt.Fprintf(s.w, "start  %s [%s#%d]\n", ev.DisplayName, ev.WorkerName, ev.WorkerCore)
		}
	case TaskOutputEvent:
		if !s.verbose {
			return nil
		}
		mark := "|"
		if ev.Stream == StreamStderr {
			mark = "!"
		}
		_, err = fmt.Fprintf(s.w, "%s %s %s\n", ev.ID, mark, ev.Line)
	case TaskCompletedEvent:
		switch ev.Status {
		case StatusFailure:
			_, err = fmt.Fprintf(s.w, "FAIL   %s exit %d (%v)\n", ev.ID, ev.ExitCode, round(ev.Elapsed))
		case StatusException:
			_, err = fmt.Fprintf(s.w, "ERROR  %s: %s\n", ev.ID, ev.ExceptionMessage)
		case StatusCancelled:
			_, err = fmt.Fprintf(s.w, "cancel %s\n", ev.ID)
		default:
			_, err = fmt.Fprintf(s.w, "ok     %s (%v)\n", ev.ID, round(ev.Elapsed))
		}
	case JobCompleteEvent:
		_, err = fmt.Fprintf(s.w, "job %s %s in %v\n", ev.JobID, ev.Status, round(ev.Elapsed))
	}
	return err
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
