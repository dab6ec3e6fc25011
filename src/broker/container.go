package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// The two environment variables the container's shell entrypoint reads its
// credentials from (spec.md §6.3). Nothing else from the broker's own
// environment is ever passed through.
const (
	envAPIKey      = "ABLY_API_KEY"
	envAccessToken = "ABLY_ACCESS_TOKEN"
)

// ContainerSupervisor provisions one isolated container per session and
// opens a PTY-backed shell inside it, following the "Create -> Start ->
// ExecCreate -> ExecAttach" sequence used throughout the sandboxed-shell
// corpus. Unlike a host-side pty, the pseudo-terminal here is allocated by
// the container engine itself (ExecOptions.Tty), keeping the shell process
// fully inside the container's namespaces.
type ContainerSupervisor struct {
	docker *client.Client
	image  string

	memoryLimitBytes int64
	nanoCPUs         int64

	log *logrus.Entry
}

// NewContainerSupervisor wires a supervisor to an already-negotiated Docker
// client. image is the shell container image (e.g. "ably/cli-shell:latest").
func NewContainerSupervisor(docker *client.Client, image string, memoryLimitBytes, nanoCPUs int64, log *logrus.Entry) *ContainerSupervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ContainerSupervisor{
		docker:           docker,
		image:            image,
		memoryLimitBytes: memoryLimitBytes,
		nanoCPUs:         nanoCPUs,
		log:              log.WithField("component", "container_supervisor"),
	}
}

// Provision creates and starts an isolated container for sessionID, retrying
// transient failures with exponential backoff. A failure is classified before
// the retry decision: ImageUnavailable/ResourceExhausted/PolicyDenied never
// retry, Transient does. apiKey/accessToken are injected as the two named
// environment variables the container's shell entrypoint expects (spec.md
// §4.3/§6.3); extraEnv is the caller's already allow-list-filtered
// environmentVariables and is injected alongside them.
func (c *ContainerSupervisor) Provision(ctx context.Context, sessionID, apiKey, accessToken string, extraEnv map[string]string) (ContainerHandle, error) {
	var handle ContainerHandle

	env := make([]string, 0, 2+len(extraEnv))
	env = append(env, envAPIKey+"="+apiKey, envAccessToken+"="+accessToken)
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}

	op := func() error {
		resp, err := c.docker.ContainerCreate(ctx,
			&container.Config{
				Image:  c.image,
				Env:    env,
				Labels: map[string]string{"ably.cli.session-id": sessionID},
			},
			&container.HostConfig{
				AutoRemove: false,
				Resources: container.Resources{
					Memory:   c.memoryLimitBytes,
					NanoCPUs: c.nanoCPUs,
				},
				NetworkMode: "bridge",
			},
			nil, nil,
			"ably-cli-session-"+sessionID,
		)
		if err != nil {
			return classifyProvisionError(err)
		}
		handle = ContainerHandle{ID: resp.ID}

		if err := c.docker.ContainerStart(ctx, handle.ID, container.StartOptions{}); err != nil {
			return classifyProvisionError(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(func() error {
		err := op()
		if be, ok := AsBrokerError(err); ok && be.Reason != ReasonTransient {
			return backoff.Permanent(err)
		}
		return err
	}, bo); err != nil {
		var be *BrokerError
		if errors.As(err, &be) {
			return ContainerHandle{}, be
		}
		return ContainerHandle{}, newError(CodeProvisionFailed, ReasonTransient, "container provisioning failed after retries", err)
	}

	c.log.WithField("session_id", sessionID).WithField("container_id", handle.ID).Info("container provisioned")
	return handle, nil
}

// OpenShell allocates a pseudo-terminal inside the container and attaches an
// interactive exec session to it, returning the full-duplex stream.
func (c *ContainerSupervisor) OpenShell(ctx context.Context, handle ContainerHandle, cols, rows uint16) (ExecStream, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, handle.ID, container.ExecOptions{
		Cmd:          []string{"/bin/sh"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	})
	if err != nil {
		return nil, newError(CodeShellFailed, "", "failed to create exec session", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, newError(CodeShellFailed, "", "failed to attach to exec session", err)
	}

	stream := newDockerExecStream(c.docker, execResp.ID, attach)
	if err := stream.Resize(cols, rows); err != nil {
		c.log.WithError(err).Warn("initial exec resize failed")
	}
	return stream, nil
}

// Terminate stops and removes the container, best-effort. Errors are logged,
// not returned, per the Shutdown Coordinator's "never block on a wedged
// container" contract.
func (c *ContainerSupervisor) Terminate(ctx context.Context, handle ContainerHandle) {
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.docker.ContainerStop(stopCtx, handle.ID, container.StopOptions{}); err != nil {
		c.log.WithError(err).WithField("container_id", handle.ID).Warn("container stop failed, forcing removal")
	}

	removeCtx, cancel2 := context.WithTimeout(ctx, 10*time.Second)
	defer cancel2()
	force := true
	if err := c.docker.ContainerRemove(removeCtx, handle.ID, container.RemoveOptions{Force: force}); err != nil {
		c.log.WithError(err).WithField("container_id", handle.ID).Error("container removal failed")
	}
}

func classifyProvisionError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such image") || strings.Contains(msg, "not found") && strings.Contains(msg, "image"):
		return newError(CodeProvisionFailed, ReasonImageUnavailable, "shell image unavailable", err)
	case strings.Contains(msg, "no space left") || strings.Contains(msg, "cannot allocate memory") || strings.Contains(msg, "resource"):
		return newError(CodeProvisionFailed, ReasonResourceExhausted, "insufficient resources to provision container", err)
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return newError(CodeProvisionFailed, ReasonPolicyDenied, "container engine policy denied provisioning", err)
	default:
		return newError(CodeProvisionFailed, ReasonTransient, "transient provisioning failure", err)
	}
}

// dockerExecStream adapts a docker exec HijackedResponse to ExecStream.
type dockerExecStream struct {
	docker *client.Client
	execID string
	hijack types.HijackedResponse

	done     chan struct{}
	doneOnce sync.Once
}

func newDockerExecStream(docker *client.Client, execID string, hijack types.HijackedResponse) *dockerExecStream {
	d := &dockerExecStream{docker: docker, execID: execID, hijack: hijack, done: make(chan struct{})}
	return d
}

func (d *dockerExecStream) Read(p []byte) (int, error) {
	n, err := d.hijack.Reader.Read(p)
	if err != nil {
		d.markDone()
	}
	return n, err
}

func (d *dockerExecStream) Write(p []byte) (int, error) {
	n, err := d.hijack.Conn.Write(p)
	if err != nil {
		d.markDone()
	}
	return n, err
}

func (d *dockerExecStream) Resize(cols, rows uint16) error {
	return d.docker.ContainerExecResize(context.Background(), d.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (d *dockerExecStream) Close() error {
	d.hijack.Close()
	d.markDone()
	return nil
}

func (d *dockerExecStream) Done() <-chan struct{} {
	return d.done
}

func (d *dockerExecStream) markDone() {
	d.doneOnce.Do(func() { close(d.done) })
}
