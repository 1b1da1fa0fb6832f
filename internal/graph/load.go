package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// fileGraph is the on-disk graph format shared by the JSON and HCL loaders.
type fileGraph struct {
	Tasks []fileTask `json:"tasks" hcl:"task,block"`
}

type fileTask struct {
	Name      string            `json:"name" hcl:"name,label"`
	Caption   string            `json:"caption,omitempty" hcl:"caption,optional"`
	DependsOn []string          `json:"depends_on,omitempty" hcl:"depends_on,optional"`
	Local     *LocalDescriptor  `json:"local,omitempty" hcl:"local,block"`
	Remote    *RemoteDescriptor `json:"remote,omitempty" hcl:"remote,block"`
}

// LoadFile reads a graph from a .json or .hcl file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var fg fileGraph
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &fg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".hcl":
		if err := hclsimple.Decode(path, data, nil, &fg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported graph file extension %q (want .json or .hcl)", filepath.Ext(path))
	}

	return fg.build()
}

// Parse reads a JSON graph document.
func Parse(data []byte) (*Graph, error) {
	var fg fileGraph
	if err := json.Unmarshal(data, &fg); err != nil {
		return nil, fmt.Errorf("parsing graph: %w", err)
	}
	return fg.build()
}

func (fg fileGraph) build() (*Graph, error) {
	b := NewBuilder()
	for _, ft := range fg.Tasks {
		var desc Descriptor
		switch {
		case ft.Local != nil && ft.Remote != nil:
			return nil, fmt.Errorf("%w: task %q has both local and remote descriptors", ErrInvalidTask, ft.Name)
		case ft.Local != nil:
			desc = *ft.Local
		case ft.Remote != nil:
			desc = *ft.Remote
		}

		if err := b.AddTask(Task{Name: ft.Name, Caption: ft.Caption, Descriptor: desc}, ft.DependsOn...); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
