package kube

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

func TestRunReturnsNotFoundWhenKubectlMissing(t *testing.T) {
	if _, err := exec.LookPath("kubectl"); err == nil {
		t.Skip("kubectl present in PATH")
	}
	r := NewRunner("/tmp/kubeconfig")
	_, err := r.Run(context.Background(), "version")
	if !errors.Is(err, ErrKubectlNotFound) {
		t.Fatalf("err = %v, want ErrKubectlNotFound", err)
	}
}
