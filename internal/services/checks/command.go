package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"kube-inspector/internal/domain/model"
)

// detail 字段的最大长度（按 rune 计），超出截断。
const maxDetailRunes = 2000

func evaluateCommand(ctx context.Context, env *Env, cc *model.CommandCheck) Result {
	timeout := time.Duration(cc.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = model.DefaultCommandTimeoutSec * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if len(cc.Argv) > 0 {
		argv := substituteKubeconfig(cc.Argv, env.KubeconfigPath)
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	} else {
		script := strings.ReplaceAll(cc.Shell, model.KubeconfigPlaceholder, env.KubeconfigPath)
		cmd = exec.CommandContext(ctx, "sh", "-c", script)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = strings.TrimSpace(stderr.String())
	}

	// 超时按 warning 处理：命令可能只是慢，不代表检查对象异常
	if ctx.Err() == context.DeadlineExceeded {
		return Result{
			Status:     model.CheckWarning,
			Detail:     fmt.Sprintf("命令执行超时（%ds）。", int(timeout.Seconds())),
			Suggestion: firstNonEmpty(cc.Suggestion, "缩短命令执行时间或调大 timeout_seconds。"),
		}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound):
			return Result{
				Status:     model.CheckFailed,
				Detail:     fmt.Sprintf("命令不存在: %v", err),
				Suggestion: firstNonEmpty(cc.Suggestion, "确认服务端已安装该命令。"),
			}
		default:
			return Result{
				Status:     model.CheckFailed,
				Detail:     fmt.Sprintf("命令启动失败: %v", err),
				Suggestion: cc.Suggestion,
			}
		}
	}

	if !containsInt(successCodes(cc), exitCode) {
		detail := cc.FailureText
		if detail == "" {
			detail = fmt.Sprintf("退出码 %d。%s", exitCode, SanitizeDetail(output))
		}
		return Result{Status: model.CheckFailed, Detail: strings.TrimSpace(detail), Suggestion: cc.Suggestion}
	}

	for _, want := range cc.MustContain {
		if !strings.Contains(output, want) {
			detail := cc.FailureText
			if detail == "" {
				detail = fmt.Sprintf("输出缺少关键内容 %q。%s", want, SanitizeDetail(output))
			}
			return Result{Status: model.CheckFailed, Detail: strings.TrimSpace(detail), Suggestion: cc.Suggestion}
		}
	}

	detail := firstNonEmpty(cc.SuccessText, SanitizeDetail(output))
	// 命令无输出也要给出可读的结论
	if detail == "" {
		detail = "命令执行成功。"
	}
	return Result{Status: model.CheckPassed, Detail: detail}
}

func substituteKubeconfig(argv []string, kubeconfigPath string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.ReplaceAll(a, model.KubeconfigPlaceholder, kubeconfigPath)
	}
	return out
}

func successCodes(cc *model.CommandCheck) []int {
	if len(cc.SuccessCodes) == 0 {
		return []int{0}
	}
	return cc.SuccessCodes
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// SanitizeDetail 把多行命令输出压成适合入库的单段文本：
// 折叠空白、按 rune 截断。
func SanitizeDetail(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxDetailRunes {
		return string(runes[:maxDetailRunes]) + "…"
	}
	return s
}
