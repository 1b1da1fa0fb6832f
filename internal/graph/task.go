package graph

// Kind identifies which executor a descriptor is dispatched to.
type Kind int

const (
	KindLocal  Kind = iota // Run as a process on whichever core is reserved
	KindRemote             // Run on a remote-capable core after tool/blob sync
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Descriptor describes how a task's command is executed.
// The variant set is closed: LocalDescriptor and RemoteDescriptor are the only implementations.
type Descriptor interface {
	Kind() Kind
	isDescriptor()
}

// LocalDescriptor runs an executable found at Path.
type LocalDescriptor struct {
	Path                 string            `json:"path" hcl:"path"`
	Arguments            []string          `json:"arguments,omitempty" hcl:"arguments,optional"`
	EnvironmentVariables map[string]string `json:"environment,omitempty" hcl:"environment,optional"`
	WorkingDirectory     string            `json:"working_directory,omitempty" hcl:"working_directory,optional"`
}

func (LocalDescriptor) Kind() Kind    { return KindLocal }
func (LocalDescriptor) isDescriptor() {}

// RemoteDescriptor runs a synchronized tool on a remote-capable core.
type RemoteDescriptor struct {
	ToolName             string            `json:"tool_name" hcl:"tool_name"`
	ToolHash             string            `json:"tool_hash,omitempty" hcl:"tool_hash,optional"`
	ToolExecutable       string            `json:"tool_executable" hcl:"tool_executable"`
	Arguments            []string          `json:"arguments,omitempty" hcl:"arguments,optional"`
	EnvironmentVariables map[string]string `json:"environment,omitempty" hcl:"environment,optional"`
	WorkingDirectory     string            `json:"working_directory,omitempty" hcl:"working_directory,optional"`
	InputBlobs           []string          `json:"input_blobs,omitempty" hcl:"input_blobs,optional"`
	OutputPaths          []string          `json:"output_paths,omitempty" hcl:"output_paths,optional"`
}

func (RemoteDescriptor) Kind() Kind    { return KindRemote }
func (RemoteDescriptor) isDescriptor() {}

// Task is one immutable unit of work in a build graph.
type Task struct {
	Name       string     // Unique identifier
	Caption    string     // Human-readable name shown in progress output
	Descriptor Descriptor // How to run it
}

// DisplayName returns the caption, or the name when no caption is set.
func (t *Task) DisplayName() string {
	if t.Caption != "" {
		return t.Caption
	}
	return t.Name
}

// IsRemote reports whether the task must run on a remote-capable core.
func (t *Task) IsRemote() bool {
	return t.Descriptor != nil && t.Descriptor.Kind() == KindRemote
}
