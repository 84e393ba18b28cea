package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MockRuntime is an in-memory Runtime for tests.
type MockRuntime struct {
	mu sync.Mutex

	// Sandboxes tracks live mock sandboxes.
	Sandboxes map[string]bool

	// Files maps sandboxID -> path -> content for ReadFile.
	Files map[string]map[string][]byte

	// Errors injects failures per operation name ("create", "destroy",
	// "exec", "readfile", "list").
	Errors map[string]error

	// DestroyErrors injects a failure for destroying one specific sandbox.
	DestroyErrors map[string]error

	// ExecFunc, when set, handles Exec calls; the default returns exit 0.
	ExecFunc func(ctx context.Context, sandboxID string, opts ExecOptions) (*ExecResult, error)

	// Calls records method invocations for verification.
	Calls []string

	nextID int
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Sandboxes:     make(map[string]bool),
		Files:         make(map[string]map[string][]byte),
		Errors:        make(map[string]error),
		DestroyErrors: make(map[string]error),
	}
}

func (m *MockRuntime) record(call string) {
	m.Calls = append(m.Calls, call)
}

func (m *MockRuntime) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create")
	if err := m.Errors["create"]; err != nil {
		return "", err
	}
	m.nextID++
	id := fmt.Sprintf("sbx-%04d", m.nextID)
	m.Sandboxes[id] = true
	return id, nil
}

func (m *MockRuntime) Destroy(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("destroy " + sandboxID)
	if err := m.DestroyErrors[sandboxID]; err != nil {
		return err
	}
	if err := m.Errors["destroy"]; err != nil {
		return err
	}
	delete(m.Sandboxes, sandboxID)
	delete(m.Files, sandboxID)
	return nil
}

func (m *MockRuntime) Exec(ctx context.Context, sandboxID string, opts ExecOptions) (*ExecResult, error) {
	m.mu.Lock()
	m.record("exec " + sandboxID)
	execErr := m.Errors["exec"]
	fn := m.ExecFunc
	exists := m.Sandboxes[sandboxID]
	m.mu.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if !exists {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	if fn != nil {
		return fn(ctx, sandboxID, opts)
	}
	return &ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}

func (m *MockRuntime) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("readfile " + sandboxID)
	if err := m.Errors["readfile"]; err != nil {
		return nil, err
	}
	files, ok := m.Files[sandboxID]
	if !ok {
		return nil, fmt.Errorf("no files in sandbox %s", sandboxID)
	}
	content, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found in sandbox %s", path, sandboxID)
	}
	return content, nil
}

// StreamLogs returns a snapshot of the sandbox's output log, mirroring the
// file the pod runtime tails.
func (m *MockRuntime) StreamLogs(ctx context.Context, sandboxID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("streamlogs " + sandboxID)
	if !m.Sandboxes[sandboxID] {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	return io.NopCloser(bytes.NewReader(m.Files[sandboxID][OutputLogPath])), nil
}

func (m *MockRuntime) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("list")
	if err := m.Errors["list"]; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.Sandboxes))
	for id := range m.Sandboxes {
		ids = append(ids, id)
	}
	return ids, nil
}

// SetError injects (or clears, with nil) a failure for the named operation.
func (m *MockRuntime) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, op)
		return
	}
	m.Errors[op] = err
}

// SetDestroyError injects a destroy failure for one specific sandbox.
func (m *MockRuntime) SetDestroyError(sandboxID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.DestroyErrors, sandboxID)
		return
	}
	m.DestroyErrors[sandboxID] = err
}

// WriteFile seeds a file inside a mock sandbox.
func (m *MockRuntime) WriteFile(sandboxID, path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Files[sandboxID] == nil {
		m.Files[sandboxID] = make(map[string][]byte)
	}
	m.Files[sandboxID][path] = content
}

// CallCount returns how many recorded calls start with prefix.
func (m *MockRuntime) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, call := range m.Calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// LiveCount returns how many mock sandboxes currently exist.
func (m *MockRuntime) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sandboxes)
}
