package model

import (
	"fmt"
	"strconv"
	"strings"
)

// 巡检项的三个家族：
//   - 内置检查：check_type 为固定 key（cluster_version / nodes_status / ...），无需 config
//   - command：在集群侧执行命令并按退出码/输出判定
//   - promql：执行时序查询并按阈值判定
//
// 原始 config 是 JSON 对象，这里在“创建 run / 创建巡检项”时就解析成强类型，
// 让坏配置尽早失败，而不是拖到执行阶段才暴露。

const (
	CheckTypeCommand = "command"
	CheckTypePromQL  = "promql"
)

// BuiltinCheckTypes 是内置检查的固定 key 集合。
var BuiltinCheckTypes = []string{
	"cluster_version",
	"nodes_status",
	"pods_status",
	"events_recent",
	"cluster_cpu_usage",
	"cluster_memory_usage",
	"node_cpu_hotspots",
	"node_memory_pressure",
	"cluster_disk_io",
}

// IsBuiltinCheckType 判断 check_type 是否为内置检查。
func IsBuiltinCheckType(t string) bool {
	for _, b := range BuiltinCheckTypes {
		if t == b {
			return true
		}
	}
	return false
}

// CommandCheck 是 command 类巡检项的强类型配置。
type CommandCheck struct {
	// Argv 与 Shell 二选一：Argv 直接 exec，Shell 经 sh -c 解释。
	Argv  []string
	Shell string

	TimeoutSec   int      // 默认 30
	SuccessCodes []int    // 默认 {0}
	MustContain  []string // stdout 必须包含的子串
	SuccessText  string   // 通过时的 detail 文案；为空则用截断后的输出
	FailureText  string   // 失败时的 detail 文案；为空则用截断后的输出
	Suggestion   string   // 失败/超时时的处置建议
}

// 命令配置里引用集群凭证文件路径的占位符。
const KubeconfigPlaceholder = "{{kubeconfig}}"

// DefaultCommandTimeoutSec 是 command 检查的默认执行超时。
const DefaultCommandTimeoutSec = 30

// PromQLCheck 是 promql 类巡检项的强类型配置。
type PromQLCheck struct {
	Query      string
	Comparison string // >= > <= < == !=
	Aggregate  string // max(默认) min avg sum

	FailThreshold *float64
	WarnThreshold *float64

	EmptyStatus CheckStatus // 查询无样本时的判定，默认 warning
	Unit        string      // detail 展示单位，如 "%"
	MaxRows     int         // detail 最多列出的样本行数，默认 5
	Suggestion  string      // 命中阈值时的处置建议
}

// DefaultPromQLMaxRows 是 promql detail 列表的默认行数上限。
const DefaultPromQLMaxRows = 5

// CheckSpec 是按 check_type 区分的巡检配置联合体。
type CheckSpec struct {
	Type    string
	Command *CommandCheck
	PromQL  *PromQLCheck
}

// ParseCheckSpec 把目录/计划里的 (check_type, config) 解析为强类型配置。
// 内置检查忽略 config；未知 check_type 返回错误。
func ParseCheckSpec(checkType string, config map[string]any) (CheckSpec, error) {
	checkType = strings.TrimSpace(checkType)
	switch {
	case IsBuiltinCheckType(checkType):
		return CheckSpec{Type: checkType}, nil
	case checkType == CheckTypeCommand:
		cc, err := parseCommandCheck(config)
		if err != nil {
			return CheckSpec{}, err
		}
		return CheckSpec{Type: checkType, Command: cc}, nil
	case checkType == CheckTypePromQL:
		pc, err := parsePromQLCheck(config)
		if err != nil {
			return CheckSpec{}, err
		}
		return CheckSpec{Type: checkType, PromQL: pc}, nil
	default:
		return CheckSpec{}, fmt.Errorf("unknown check_type: %q", checkType)
	}
}

func parseCommandCheck(config map[string]any) (*CommandCheck, error) {
	cc := &CommandCheck{
		TimeoutSec:   DefaultCommandTimeoutSec,
		SuccessCodes: []int{0},
	}

	switch v := config["command"].(type) {
	case nil:
		return nil, fmt.Errorf("command check: config.command is required")
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("command check: config.command is empty")
		}
		cc.Shell = v
	case []any:
		argv, err := toStringList(v)
		if err != nil || len(argv) == 0 {
			return nil, fmt.Errorf("command check: config.command must be a non-empty string list")
		}
		cc.Argv = argv
	default:
		return nil, fmt.Errorf("command check: config.command must be a string or a string list")
	}

	if raw, ok := config["timeout_seconds"]; ok {
		n, err := toInt(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("command check: invalid timeout_seconds: %v", raw)
		}
		cc.TimeoutSec = n
	}
	if raw, ok := config["success_exit_codes"]; ok {
		list, ok := raw.([]any)
		if !ok || len(list) == 0 {
			return nil, fmt.Errorf("command check: success_exit_codes must be a non-empty int list")
		}
		codes := make([]int, 0, len(list))
		for _, it := range list {
			n, err := toInt(it)
			if err != nil {
				return nil, fmt.Errorf("command check: invalid success_exit_codes entry: %v", it)
			}
			codes = append(codes, n)
		}
		cc.SuccessCodes = codes
	}
	if raw, ok := config["must_contain"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("command check: must_contain must be a string list")
		}
		subs, err := toStringList(list)
		if err != nil {
			return nil, fmt.Errorf("command check: must_contain must be a string list")
		}
		cc.MustContain = subs
	}
	cc.SuccessText = optString(config, "success_message")
	cc.FailureText = optString(config, "failure_message")
	cc.Suggestion = optString(config, "suggestion")
	return cc, nil
}

var validComparisons = map[string]bool{
	">=": true, ">": true, "<=": true, "<": true, "==": true, "!=": true,
}

var validAggregates = map[string]bool{
	"max": true, "min": true, "avg": true, "sum": true,
}

func parsePromQLCheck(config map[string]any) (*PromQLCheck, error) {
	pc := &PromQLCheck{
		Comparison:  ">=",
		Aggregate:   "max",
		EmptyStatus: CheckWarning,
		MaxRows:     DefaultPromQLMaxRows,
	}

	pc.Query = strings.TrimSpace(optString(config, "promql"))
	if pc.Query == "" {
		pc.Query = strings.TrimSpace(optString(config, "query"))
	}
	if pc.Query == "" {
		return nil, fmt.Errorf("promql check: config.promql is required")
	}

	if raw := strings.TrimSpace(optString(config, "comparison")); raw != "" {
		if !validComparisons[raw] {
			return nil, fmt.Errorf("promql check: invalid comparison: %q", raw)
		}
		pc.Comparison = raw
	}
	if raw := strings.TrimSpace(strings.ToLower(optString(config, "aggregate"))); raw != "" {
		if !validAggregates[raw] {
			return nil, fmt.Errorf("promql check: invalid aggregate: %q", raw)
		}
		pc.Aggregate = raw
	}

	for key, dst := range map[string]**float64{
		"fail_threshold": &pc.FailThreshold,
		"warn_threshold": &pc.WarnThreshold,
	} {
		raw, ok := config[key]
		if !ok || raw == nil {
			continue
		}
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("promql check: invalid %s: %v", key, raw)
		}
		v := f
		*dst = &v
	}
	if pc.FailThreshold == nil && pc.WarnThreshold == nil {
		return nil, fmt.Errorf("promql check: at least one of fail_threshold/warn_threshold is required")
	}

	if raw := strings.TrimSpace(optString(config, "empty_status")); raw != "" {
		st := NormalizeCheckStatus(raw)
		if string(st) != raw {
			return nil, fmt.Errorf("promql check: invalid empty_status: %q", raw)
		}
		pc.EmptyStatus = st
	}
	if raw, ok := config["max_rows"]; ok {
		n, err := toInt(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("promql check: invalid max_rows: %v", raw)
		}
		pc.MaxRows = n
	}
	pc.Unit = optString(config, "unit")
	pc.Suggestion = optString(config, "suggestion")
	return pc, nil
}

// --- config map 取值辅助（JSON 解码后的数字是 float64） ---

func optString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func toStringList(list []any) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, it := range list {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("not a string: %v", it)
		}
		out = append(out, s)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
