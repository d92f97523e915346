package model

// Cluster 表示一个被巡检的 Kubernetes 集群（对应 clusters 表）。
type Cluster struct {
	ID                int64        `json:"id"`
	Name              string       `json:"name"`
	KubeconfigPath    string       `json:"-"` // 凭证文件落盘路径，不对外返回
	PrometheusURL     string       `json:"prometheus_url,omitempty"`
	Contexts          []string     `json:"contexts,omitempty"`
	ConnectionStatus  string       `json:"connection_status"` // unknown|connected|warning|failed
	ConnectionMessage string       `json:"connection_message,omitempty"`
	ExecutionMode     ExecutorMode `json:"execution_mode"`
	DefaultAgentID    int64        `json:"default_agent_id,omitempty"`
	LastCheckedAt     int64        `json:"last_checked_at,omitempty"`
	CreatedAt         int64        `json:"created_at"`
	UpdatedAt         int64        `json:"updated_at"`
}

// InspectionItem 是巡检项目录里的一条定义（对应 inspection_items 表）。
// config 的解释权完全在 Check Evaluator；目录层只做创建/更新时的校验。
type InspectionItem struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CheckType   string         `json:"check_type"`
	Config      map[string]any `json:"config,omitempty"`
	IsArchived  bool           `json:"is_archived"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// InspectionAgent 表示一个外部 Agent（对应 inspection_agents 表）。
// token 由服务端生成，Agent 侧凭 token 调用巡检协议接口。
type InspectionAgent struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Token         string `json:"-"` // 仅创建响应里返回一次
	ClusterID     int64  `json:"cluster_id,omitempty"`
	Description   string `json:"description,omitempty"`
	IsEnabled     bool   `json:"is_enabled"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
	LastSeenAt    int64  `json:"last_seen_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// AuditLog 对应 audit_logs 表：所有写操作的留痕。
type AuditLog struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	EntityType  string `json:"entity_type"`
	EntityID    int64  `json:"entity_id,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}
