package protocol

import (
	"errors"
	"fmt"

	"github.com/aristath/distbuild/internal/graph"
)

var (
	// ErrUnexpectedResponse is returned when a core answers with a frame the caller did not ask for.
	ErrUnexpectedResponse = errors.New("unexpected execution response")
	// ErrUnexpectedRequest is returned by workers that receive anything other than ExecuteTask.
	ErrUnexpectedRequest = errors.New("unexpected execution request")
	// ErrStreamClosed is returned when writing to a stream whose other end has gone away.
	ErrStreamClosed = errors.New("execution stream closed")
)

// ResponseKind tags the variant held by a ProcessResponse.
type ResponseKind int

const (
	StandardOutput ResponseKind = iota + 1
	StandardError
	ExitCode
)

func (k ResponseKind) String() string {
	switch k {
	case StandardOutput:
		return "stdout"
	case StandardError:
		return "stderr"
	case ExitCode:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ProcessResponse is one event produced by a running task: an output line or its exit code.
type ProcessResponse struct {
	Kind     ResponseKind `json:"kind"`
	Line     string       `json:"line,omitempty"`
	ExitCode int          `json:"exit_code,omitempty"`
}

// Stdout builds a standard output line response.
func Stdout(line string) ProcessResponse {
	return ProcessResponse{Kind: StandardOutput, Line: line}
}

// Stderr builds a standard error line response.
func Stderr(line string) ProcessResponse {
	return ProcessResponse{Kind: StandardError, Line: line}
}

// Exit builds an exit code response.
func Exit(code int) ProcessResponse {
	return ProcessResponse{Kind: ExitCode, ExitCode: code}
}

// TaskDescriptor is the wire form of graph.Descriptor. Exactly one field is set.
type TaskDescriptor struct {
	Local  *graph.LocalDescriptor  `json:"local,omitempty"`
	Remote *graph.RemoteDescriptor `json:"remote,omitempty"`
}

// WrapDescriptor converts a graph descriptor to its wire form.
func WrapDescriptor(d graph.Descriptor) (TaskDescriptor, error) {
	switch v := d.(type) {
	case graph.LocalDescriptor:
		return TaskDescriptor{Local: &v}, nil
	case graph.RemoteDescriptor:
		return TaskDescriptor{Remote: &v}, nil
	default:
		return TaskDescriptor{}, fmt.Errorf("unsupported descriptor type %T", d)
	}
}

// Descriptor converts the wire form back to a graph descriptor.
func (td TaskDescriptor) Descriptor() (graph.Descriptor, error) {
	switch {
	case td.Local != nil && td.Remote != nil:
		return nil, errors.New("task descriptor has both local and remote variants")
	case td.Local != nil:
		return *td.Local, nil
	case td.Remote != nil:
		return *td.Remote, nil
	default:
		return nil, errors.New("task descriptor is empty")
	}
}

// ExecuteTaskRequest asks the core to run one descriptor.
type ExecuteTaskRequest struct {
	Descriptor TaskDescriptor `json:"descriptor"`
}

// ExecutionRequest is a frame sent from the dispatcher to a core.
type ExecutionRequest struct {
	ExecuteTask *ExecuteTaskRequest `json:"execute_task,omitempty"`
}

// NewExecuteTask builds an ExecuteTask request for the descriptor.
func NewExecuteTask(d graph.Descriptor) (ExecutionRequest, error) {
	td, err := WrapDescriptor(d)
	if err != nil {
		return ExecutionRequest{}, err
	}
	return ExecutionRequest{ExecuteTask: &ExecuteTaskRequest{Descriptor: td}}, nil
}

// ExecuteTaskResponse carries one process event back to the dispatcher.
type ExecuteTaskResponse struct {
	Response ProcessResponse `json:"response"`
}

// ReserveResponse is the first frame of a remote core stream.
type ReserveResponse struct {
	WorkerName string `json:"worker_name"`
	CoreNumber int    `json:"core_number"`
}

// ErrorResponse reports a worker-side failure. The core is unusable afterwards.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ExecutionResponse is a frame sent from a core to the dispatcher. Exactly one field is set.
type ExecutionResponse struct {
	ExecuteTask *ExecuteTaskResponse `json:"execute_task,omitempty"`
	Reserved    *ReserveResponse     `json:"reserved,omitempty"`
	Error       *ErrorResponse       `json:"error,omitempty"`
}

// Process wraps a process event in an ExecuteTask response frame.
func Process(r ProcessResponse) ExecutionResponse {
	return ExecutionResponse{ExecuteTask: &ExecuteTaskResponse{Response: r}}
}

// Failure builds an error frame.
func Failure(err error) ExecutionResponse {
	return ExecutionResponse{Error: &ErrorResponse{Message: err.Error()}}
}
