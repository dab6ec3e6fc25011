package broker

import (
	"errors"
	"testing"
)

func TestClassifyProvisionErrorImageUnavailable(t *testing.T) {
	err := classifyProvisionError(errors.New("Error: No such image: shell:latest"))
	be, ok := AsBrokerError(err)
	if !ok || be.Reason != ReasonImageUnavailable {
		t.Fatalf("expected ImageUnavailable, got %v", err)
	}
}

func TestClassifyProvisionErrorResourceExhausted(t *testing.T) {
	err := classifyProvisionError(errors.New("failed to create container: no space left on device"))
	be, ok := AsBrokerError(err)
	if !ok || be.Reason != ReasonResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestClassifyProvisionErrorPolicyDenied(t *testing.T) {
	err := classifyProvisionError(errors.New("Error response from daemon: permission denied"))
	be, ok := AsBrokerError(err)
	if !ok || be.Reason != ReasonPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestClassifyProvisionErrorDefaultsToTransient(t *testing.T) {
	err := classifyProvisionError(errors.New("connection reset by peer"))
	be, ok := AsBrokerError(err)
	if !ok || be.Reason != ReasonTransient {
		t.Fatalf("expected Transient, got %v", err)
	}
}

func TestDockerExecStreamDoneClosedOnClose(t *testing.T) {
	d := &dockerExecStream{done: make(chan struct{})}
	select {
	case <-d.Done():
		t.Fatalf("expected Done to be open before Close")
	default:
	}
	d.markDone()
	select {
	case <-d.Done():
	default:
		t.Fatalf("expected Done to be closed after markDone")
	}
	// markDone must be idempotent.
	d.markDone()
}
