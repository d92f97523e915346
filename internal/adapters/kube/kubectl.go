// Package kube 封装对 kubectl 的调用。
// 服务端与内置巡检项都通过这里访问集群，统一超时与 kubeconfig 注入。
package kube

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// 单条 kubectl 命令的硬超时，和巡检项粒度对齐。
const commandTimeout = 15 * time.Second

var ErrKubectlNotFound = errors.New("kubectl not found in PATH")

// Runner 绑定一个 kubeconfig，执行 kubectl 子命令。
type Runner struct {
	KubeconfigPath string
}

func NewRunner(kubeconfigPath string) *Runner {
	return &Runner{KubeconfigPath: kubeconfigPath}
}

// Run 执行 kubectl，返回合并裁剪后的标准输出。
// 超时返回 context.DeadlineExceeded（调用方据此降级为 warning 而非 failed）。
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if r.KubeconfigPath != "" {
		full = append(full, "--kubeconfig", r.KubeconfigPath)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "kubectl", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", context.DeadlineExceeded
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrKubectlNotFound
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return "", fmt.Errorf("kubectl %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("kubectl %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
