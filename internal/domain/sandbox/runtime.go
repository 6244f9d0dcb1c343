package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/justishika/codeproctor/internal/infrastructure/resilience"
)

// Runtime abstracts the container engine. The production implementation
// shells out to the docker CLI; tests substitute a fake.
type Runtime interface {
	// ImageExists reports whether the image is available locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// BuildImage builds the image from a packaged build context directory.
	BuildImage(ctx context.Context, image, contextDir string) error
	// Run starts a detached instance publishing containerPort on hostPort,
	// with auto-removal on stop. Returns the container ID.
	Run(ctx context.Context, image string, hostPort, containerPort int, env map[string]string) (string, error)
	// HostPort reads back the actual host binding for containerPort.
	HostPort(ctx context.Context, containerID string, containerPort int) (int, error)
	// Stop stops the instance. "No such container" is success.
	Stop(ctx context.Context, containerID string) error
	// Remove force-removes the instance. "No such container" is success.
	Remove(ctx context.Context, containerID string) error
}

// DockerRuntime drives the docker CLI. A circuit breaker fronts every call
// so lifecycle operations fail fast as RuntimeUnavailable when the daemon
// is down instead of hanging request slots.
type DockerRuntime struct {
	binary  string
	breaker *resilience.Breaker

	checkOnce sync.Once
	checkErr  error
}

// NewDockerRuntime creates a runtime client backed by the docker binary.
func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{
		binary: "docker",
		breaker: resilience.New("container-runtime", resilience.Settings{
			MaxRequests: 2,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Available verifies the docker CLI and daemon are reachable.
func (d *DockerRuntime) Available(ctx context.Context) error {
	d.checkOnce.Do(func() {
		if _, err := exec.LookPath(d.binary); err != nil {
			d.checkErr = fmt.Errorf("%w: docker binary not found: %v", ErrRuntimeUnavailable, err)
			return
		}
		if _, err := d.exec(ctx, "info", "--format", "{{.ServerVersion}}"); err != nil {
			d.checkErr = fmt.Errorf("%w: daemon not responding: %v", ErrRuntimeUnavailable, err)
		}
	})
	return d.checkErr
}

func (d *DockerRuntime) exec(ctx context.Context, args ...string) (string, error) {
	out, err := d.breaker.Execute(func() (interface{}, error) {
		cmd := exec.CommandContext(ctx, d.binary, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("docker %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
		}
		return "", err
	}
	return out.(string), nil
}

// ImageExists checks the local image store.
func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	out, err := d.exec(ctx, "images", "-q", image)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// BuildImage builds from the packaged build context.
func (d *DockerRuntime) BuildImage(ctx context.Context, image, contextDir string) error {
	if _, err := d.exec(ctx, "build", "-t", image, contextDir); err != nil {
		return fmt.Errorf("%w: %v", ErrImageBuildFailed, err)
	}
	return nil
}

// Run starts a detached, self-removing instance with the port published.
func (d *DockerRuntime) Run(ctx context.Context, image string, hostPort, containerPort int, env map[string]string) (string, error) {
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:%d", hostPort, containerPort),
	}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image)

	out, err := d.exec(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return id, nil
}

// HostPort reads the binding the runtime actually assigned. Runtimes may
// remap the requested port, so this is authoritative over the Run args.
func (d *DockerRuntime) HostPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	out, err := d.exec(ctx, "port", containerID, strconv.Itoa(containerPort))
	if err != nil {
		return 0, err
	}
	// Output looks like "0.0.0.0:32768" (possibly one line per address family).
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, ErrPortResolution
}

// Stop stops the instance; already-gone is success.
func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	_, err := d.exec(ctx, "stop", containerID)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// Remove force-removes the instance; already-gone is success.
func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := d.exec(ctx, "rm", "-f", containerID)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "is not running") ||
		strings.Contains(msg, "already in progress")
}
