// Package agentloop 实现巡检 Agent 进程：
// 以 Bearer Token 连接服务端，轮询领取任务，在本地执行检查后回传结果。
package agentloop

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultBatchSize      = 1
)

// Config 是 Agent 的运行配置，来源优先级：环境变量 > 配置文件 > 默认值。
type Config struct {
	ServerBaseURL string // 服务端地址，如 http://inspector:8000
	Token         string
	TokenFile     string // Token 落盘路径；Token 为空时从这里读

	KubeconfigPath string
	PrometheusURL  string // 本地可达的 Prometheus；会覆盖任务里下发的地址

	PollInterval   time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	Insecure       bool // 跳过服务端 TLS 证书校验
}

// 配置文件结构，分段对应 server/agent/cluster/prometheus。
type fileConfig struct {
	Server struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"server"`
	Agent struct {
		TokenFile      string `yaml:"token_file"`
		PollInterval   int    `yaml:"poll_interval"`
		BatchSize      int    `yaml:"batch_size"`
		RequestTimeout int    `yaml:"request_timeout"`
		Insecure       bool   `yaml:"insecure"`
	} `yaml:"agent"`
	Cluster struct {
		KubeconfigPath string `yaml:"kubeconfig_path"`
	} `yaml:"cluster"`
	Prometheus struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"prometheus"`
}

// LoadConfig 读取配置文件（可不存在）并套用环境变量与默认值。
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		PollInterval:   DefaultPollInterval,
		BatchSize:      DefaultBatchSize,
		RequestTimeout: DefaultRequestTimeout,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(raw, &fc); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			applyFileConfig(cfg, &fc)
		}
	}

	applyEnv(cfg)

	if cfg.Token == "" && cfg.TokenFile != "" {
		raw, err := os.ReadFile(cfg.TokenFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read token file %s: %w", cfg.TokenFile, err)
		}
		cfg.Token = strings.TrimSpace(string(raw))
	}

	cfg.ServerBaseURL = strings.TrimRight(strings.TrimSpace(cfg.ServerBaseURL), "/")
	if cfg.ServerBaseURL == "" {
		return nil, fmt.Errorf("server base_url is required (INSPECT_AGENT_SERVER or config server.base_url)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("agent token is required (INSPECT_AGENT_TOKEN, token_file or config server.token)")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.Server.BaseURL != "" {
		cfg.ServerBaseURL = fc.Server.BaseURL
	}
	if fc.Server.Token != "" {
		cfg.Token = fc.Server.Token
	}
	if fc.Agent.TokenFile != "" {
		cfg.TokenFile = fc.Agent.TokenFile
	}
	if fc.Agent.PollInterval > 0 {
		cfg.PollInterval = time.Duration(fc.Agent.PollInterval) * time.Second
	}
	if fc.Agent.BatchSize > 0 {
		cfg.BatchSize = fc.Agent.BatchSize
	}
	if fc.Agent.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(fc.Agent.RequestTimeout) * time.Second
	}
	if fc.Agent.Insecure {
		cfg.Insecure = true
	}
	if fc.Cluster.KubeconfigPath != "" {
		cfg.KubeconfigPath = fc.Cluster.KubeconfigPath
	}
	if fc.Prometheus.BaseURL != "" {
		cfg.PrometheusURL = fc.Prometheus.BaseURL
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("INSPECT_AGENT_SERVER"); v != "" {
		cfg.ServerBaseURL = v
	}
	if v := os.Getenv("INSPECT_AGENT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("INSPECT_AGENT_TOKEN_FILE"); v != "" {
		cfg.TokenFile = v
	}
	if v := os.Getenv("INSPECT_AGENT_KUBECONFIG"); v != "" {
		cfg.KubeconfigPath = v
	}
	if v := os.Getenv("INSPECT_AGENT_PROM_URL"); v != "" {
		cfg.PrometheusURL = v
	}
	if v := os.Getenv("INSPECT_AGENT_POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("INSPECT_AGENT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("INSPECT_AGENT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("INSPECT_AGENT_INSECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Insecure = b
		}
	}
}
