package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aristath/distbuild/internal/graph"
)

func TestDescriptorWrapping(t *testing.T) {
	tests := []struct {
		name string
		desc graph.Descriptor
	}{
		{name: "local", desc: graph.LocalDescriptor{Path: "/bin/echo", Arguments: []string{"hi"}}},
		{name: "remote", desc: graph.RemoteDescriptor{ToolName: "cl", ToolHash: "h", ToolExecutable: "cl.exe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewExecuteTask(tt.desc)
			if err != nil {
				t.Fatalf("NewExecuteTask failed: %v", err)
			}

			// Round trip through the wire encoding used by remote cores
			data, err := json.Marshal(req)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			var decoded ExecutionRequest
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}

			got, err := decoded.ExecuteTask.Descriptor.Descriptor()
			if err != nil {
				t.Fatalf("Descriptor failed: %v", err)
			}
			if got.Kind() != tt.desc.Kind() {
				t.Errorf("expected kind %v, got %v", tt.desc.Kind(), got.Kind())
			}
		})
	}
}

func TestTaskDescriptorInvalid(t *testing.T) {
	if _, err := (TaskDescriptor{}).Descriptor(); err == nil {
		t.Error("expected error for empty descriptor")
	}
	both := TaskDescriptor{Local: &graph.LocalDescriptor{}, Remote: &graph.RemoteDescriptor{}}
	if _, err := both.Descriptor(); err == nil {
		t.Error("expected error for descriptor with both variants")
	}
	if _, err := WrapDescriptor(nil); err == nil {
		t.Error("expected error wrapping nil descriptor")
	}
}

func TestPipeDeliversBufferedResponsesBeforeEOF(t *testing.T) {
	ctx := context.Background()
	client, server := Pipe()

	go func() {
		req, err := server.Recv(ctx)
		if err != nil || req.ExecuteTask == nil {
			server.Close()
			return
		}
		server.Send(ctx, Process(Stdout("one")))
		server.Send(ctx, Process(Stderr("two")))
		server.Send(ctx, Process(Exit(3)))
		server.Close()
	}()

	req, _ := NewExecuteTask(graph.LocalDescriptor{Path: "x"})
	if err := client.Send(ctx, req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got []ProcessResponse
	for {
		resp, err := client.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got = append(got, resp.ExecuteTask.Response)
	}

	want := []ProcessResponse{Stdout("one"), Stderr("two"), Exit(3)}
	if len(got) != len(want) {
		t.Fatalf("expected %d responses, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("response %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestPipeClientCloseUnblocksServer(t *testing.T) {
	client, server := Pipe()
	client.Close()

	if _, err := server.Recv(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF on server Recv, got %v", err)
	}
	if err := server.Send(context.Background(), Process(Exit(0))); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed on server Send, got %v", err)
	}
	if err := client.Send(context.Background(), ExecutionRequest{}); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed on client Send after Close, got %v", err)
	}
	// Closing twice is harmless
	if err := client.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestPipeRecvHonoursContext(t *testing.T) {
	client, _ := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := client.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestResponseKindString(t *testing.T) {
	if StandardOutput.String() != "stdout" || StandardError.String() != "stderr" || ExitCode.String() != "exit" {
		t.Error("unexpected ResponseKind names")
	}
	if ResponseKind(42).String() != "unknown(42)" {
		t.Errorf("unexpected name for unknown kind: %s", ResponseKind(42))
	}
}
