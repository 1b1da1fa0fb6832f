package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicJob  = "job"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskCompleted = "task.completed"
	EventTypeJobComplete   = "job.complete"
)

// TopicOf returns the bus topic an event is published on.
func TopicOf(e Event) string {
	if _, ok := e.(JobCompleteEvent); ok {
		return TopicJob
	}
	return TopicTask
}

// OutputStream identifies which pipe an output line came from.
type OutputStream int

const (
	StreamStdout OutputStream = iota
	StreamStderr
)

func (s OutputStream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

func (s OutputStream) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CompletionStatus is the outcome of one task.
type CompletionStatus int

const (
	StatusSuccess   CompletionStatus = iota // Exit code 0
	StatusFailure                           // Non-zero exit code
	StatusCancelled                         // Stopped because the run was cancelled
	StatusException                         // Could not be executed; see ExceptionMessage
)

var completionStatusNames = map[CompletionStatus]string{
	StatusSuccess:   "success",
	StatusFailure:   "failure",
	StatusCancelled: "cancelled",
	StatusException: "exception",
}

func (s CompletionStatus) String() string {
	if name, ok := completionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CompletionStatus(%d)", int(s))
}

func (s CompletionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *CompletionStatus) UnmarshalText(text []byte) error {
	for status, name := range completionStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown completion status %q", text)
}

// JobStatus is the outcome of a whole run.
type JobStatus int

const (
	JobSuccess JobStatus = iota // Every task succeeded
	JobFailure
)

func (s JobStatus) String() string {
	if s == JobSuccess {
		return "success"
	}
	return "failure"
}

func (s JobStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *JobStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "success":
		*s = JobSuccess
	case "failure":
		*s = JobFailure
	default:
		return fmt.Errorf("unknown job status %q", text)
	}
	return nil
}

// TaskStartedEvent is emitted once a core has been reserved for a task.
// A task whose reservation failed gets a start with an empty WorkerName so
// that every completion is preceded by a start.
type TaskStartedEvent struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	WorkerName  string    `json:"worker_name"`
	WorkerCore  int       `json:"worker_core"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of task output.
type TaskOutputEvent struct {
	ID        string       `json:"id"`
	Line      string       `json:"line"`
	Stream    OutputStream `json:"stream"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is emitted exactly once per started task.
// In JSON, Elapsed is encoded as elapsed_seconds.
type TaskCompletedEvent struct {
	ID               string           `json:"id"`
	Status           CompletionStatus `json:"status"`
	ExitCode         int              `json:"exit_code"`
	ExceptionMessage string           `json:"exception_message,omitempty"`
	Elapsed          time.Duration    `json:"-"`
	Timestamp        time.Time        `json:"timestamp"`
}

func (e TaskCompletedEvent) MarshalJSON() ([]byte, error) {
	type plain TaskCompletedEvent
	return json.Marshal(struct {
		plain
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{plain(e), e.Elapsed.Seconds()})
}

func (e *TaskCompletedEvent) UnmarshalJSON(b []byte) error {
	type plain TaskCompletedEvent
	var v struct {
		plain
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = TaskCompletedEvent(v.plain)
	e.Elapsed = secondsToDuration(v.ElapsedSeconds)
	return nil
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// JobCompleteEvent is the final event of a run.
// In JSON, Elapsed is encoded as elapsed_seconds.
type JobCompleteEvent struct {
	JobID     string        `json:"job_id"`
	Status    JobStatus     `json:"status"`
	Elapsed   time.Duration `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e JobCompleteEvent) MarshalJSON() ([]byte, error) {
	type plain JobCompleteEvent
	return json.Marshal(struct {
		plain
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{plain(e), e.Elapsed.Seconds()})
}

func (e *JobCompleteEvent) UnmarshalJSON(b []byte) error {
	type plain JobCompleteEvent
	var v struct {
		plain
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = JobCompleteEvent(v.plain)
	e.Elapsed = secondsToDuration(v.ElapsedSeconds)
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (e JobCompleteEvent) EventType() string { return EventTypeJobComplete }
func (e JobCompleteEvent) TaskID() string    { return "" }
