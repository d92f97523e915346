package app

// Config 存放应用级默认路径与运行参数。
type Config struct {
	DBPath     string
	ConfigDir  string // kubeconfig 等集群凭证文件的落盘目录
	ReportDir  string
	ListenAddr string
	Workers    int
}

// DefaultConfig 返回本地开发环境的默认配置。
func DefaultConfig() Config {
	return Config{
		DBPath:     "data/inspector.db",
		ConfigDir:  "data/kubeconfigs",
		ReportDir:  "data/reports",
		ListenAddr: "127.0.0.1:8000",
		Workers:    4,
	}
}
