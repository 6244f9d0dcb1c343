package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/justishika/codeproctor/internal/infrastructure/logging"
)

// fakeRuntime records calls and simulates a container runtime without
// touching Docker.
type fakeRuntime struct {
	mu sync.Mutex

	images   map[string]bool
	running  map[string]bool
	removed  []string
	builds   []string
	nextPort int

	runErr    error
	portErr   error
	removeErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images:   map[string]bool{"codeproctor/sandbox-python:latest": true},
		running:  map[string]bool{},
		nextPort: 49152,
	}
}

func (f *fakeRuntime) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeRuntime) BuildImage(_ context.Context, image, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, image)
	f.images[image] = true
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, image string, _, _ int, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return "", f.runErr
	}
	id := fmt.Sprintf("container-%d", len(f.running)+len(f.removed))
	f.running[id] = true
	return id, nil
}

func (f *fakeRuntime) HostPort(_ context.Context, containerID string, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.portErr != nil {
		return 0, f.portErr
	}
	if !f.running[containerID] {
		return 0, ErrPortResolution
	}
	f.nextPort++
	return f.nextPort, nil
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string) error {
	return f.Remove(context.Background(), containerID)
}

func (f *fakeRuntime) Remove(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.running, containerID)
	return nil
}

func (f *fakeRuntime) removedCount(containerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.removed {
		if id == containerID {
			n++
		}
	}
	return n
}

func newTestManager(rt Runtime) *Manager {
	images := map[string]ImageSpec{
		"Python": {Image: "codeproctor/sandbox-python:latest", Credential: "letmein"},
	}
	m := NewManager(rt, NewRegistry(), nil, images, logging.NewNop())
	m.DisableReadinessProbe()
	return m
}

func TestManagerCreate(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(rt)

	rec, err := m.Create(context.Background(), "student-1", "Python")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Endpoint == "" {
		t.Error("record has empty endpoint")
	}
	if rec.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", rec.Status, StatusRunning)
	}
	if _, ok := m.registry.Get(rec.SandboxID); !ok {
		t.Error("created sandbox not tracked")
	}
}

func TestManagerCreateUnsupportedSubject(t *testing.T) {
	m := newTestManager(newFakeRuntime())

	_, err := m.Create(context.Background(), "student-1", "Haskell")
	if !errors.Is(err, ErrUnsupportedSubject) {
		t.Fatalf("err = %v, want ErrUnsupportedSubject", err)
	}
	var usErr *UnsupportedSubjectError
	if !errors.As(err, &usErr) || usErr.Subject != "Haskell" {
		t.Errorf("error does not carry the offending subject: %v", err)
	}
	if m.registry.Len() != 0 {
		t.Error("failed create left a tracked record")
	}
}

func TestManagerCreateBuildsMissingImage(t *testing.T) {
	rt := newFakeRuntime()
	delete(rt.images, "codeproctor/sandbox-python:latest")
	m := newTestManager(rt)

	if _, err := m.Create(context.Background(), "student-1", "Python"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(rt.builds) != 1 {
		t.Errorf("builds = %d, want 1", len(rt.builds))
	}

	// Second create for another owner must not rebuild.
	if _, err := m.Create(context.Background(), "student-2", "Python"); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if len(rt.builds) != 1 {
		t.Errorf("builds = %d after second create, want 1", len(rt.builds))
	}
}

func TestManagerCreateReplacesExistingSandbox(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(rt)

	first, err := m.Create(context.Background(), "student-1", "Python")
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := m.Create(context.Background(), "student-1", "Python")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	if first.SandboxID == second.SandboxID {
		t.Fatal("second create reused the first sandbox")
	}
	if _, ok := m.registry.Get(first.SandboxID); ok {
		t.Error("first sandbox still tracked after replacement")
	}
	if got := len(m.registry.ForOwner("student-1")); got != 1 {
		t.Errorf("owner has %d tracked sandboxes, want 1", got)
	}
	if rt.removedCount(first.SandboxID) != 1 {
		t.Errorf("first sandbox removed %d times, want exactly 1", rt.removedCount(first.SandboxID))
	}
}

// Concurrent creates for the same owner race through the per-owner lock:
// every loser's container must be torn down and exactly one record may
// remain tracked.
func TestManagerConcurrentCreateSingleOwner(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(rt)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(context.Background(), "student-1", "Python"); err != nil {
				t.Errorf("Create: %v", err)
			}
		}()
	}
	wg.Wait()

	recs := m.registry.ForOwner("student-1")
	if len(recs) != 1 {
		t.Fatalf("owner tracks %d sandboxes after %d concurrent creates, want 1", len(recs), writers)
	}
	if m.registry.Len() != 1 {
		t.Errorf("registry tracks %d sandboxes, want 1", m.registry.Len())
	}

	rt.mu.Lock()
	running := len(rt.running)
	removed := len(rt.removed)
	rt.mu.Unlock()
	if running != 1 {
		t.Errorf("runtime reports %d running containers, want 1", running)
	}
	if removed != writers-1 {
		t.Errorf("%d containers removed, want %d (one per losing create)", removed, writers-1)
	}
	if n := rt.removedCount(recs[0].SandboxID); n != 0 {
		t.Errorf("surviving sandbox removed %d times, want 0", n)
	}
}

func TestManagerCreateRollsBackOnPortFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.portErr = ErrPortResolution
	m := newTestManager(rt)

	_, err := m.Create(context.Background(), "student-1", "Python")
	if err == nil {
		t.Fatal("expected create to fail when no port binding resolves")
	}
	if m.registry.Len() != 0 {
		t.Error("registry holds a record for a rolled-back sandbox")
	}
	if len(rt.removed) != 1 {
		t.Errorf("rollback removed %d containers, want 1", len(rt.removed))
	}
}

// A runtime error while reading the binding back is still a port
// resolution failure, whatever the daemon reported.
func TestManagerCreateClassifiesBindingFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.portErr = errors.New("inspect: permission denied")
	m := newTestManager(rt)

	_, err := m.Create(context.Background(), "student-1", "Python")
	if !errors.Is(err, ErrPortResolution) {
		t.Fatalf("err = %v, want ErrPortResolution", err)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("wrapped error lost the underlying cause: %v", err)
	}
	if m.registry.Len() != 0 {
		t.Error("registry holds a record for a rolled-back sandbox")
	}
}

func TestManagerStopIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(rt)

	rec, err := m.Create(context.Background(), "student-1", "Python")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Stop(context.Background(), rec.SandboxID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(context.Background(), rec.SandboxID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if m.registry.Len() != 0 {
		t.Error("stopped sandbox still tracked")
	}
}

func TestManagerCleanupAllContinuesPastFailures(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(rt)

	for i := 0; i < 3; i++ {
		owner := fmt.Sprintf("student-%d", i)
		if _, err := m.Create(context.Background(), owner, "Python"); err != nil {
			t.Fatalf("Create %s: %v", owner, err)
		}
	}

	rt.removeErr = errors.New("daemon busy")
	m.CleanupAll(context.Background())

	if m.registry.Len() != 0 {
		t.Errorf("registry still tracks %d sandboxes after CleanupAll", m.registry.Len())
	}
	if len(rt.removed) < 3 {
		t.Errorf("remove attempted %d times, want one per sandbox", len(rt.removed))
	}
}
