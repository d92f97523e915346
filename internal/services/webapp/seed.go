package webapp

import (
	"context"
	"fmt"

	sqliteadapter "kube-inspector/internal/adapters/store/sqlite"
	"kube-inspector/internal/domain/model"
)

// 默认巡检项。按名称幂等：已存在（含已归档）的不重复插入。
var defaultItems = []model.InspectionItem{
	{Name: "Cluster Version", CheckType: "cluster_version", Description: "Collects Kubernetes API server and kubectl client version."},
	{Name: "Node Health", CheckType: "nodes_status", Description: "Verifies all nodes are Ready."},
	{Name: "Pod Status", CheckType: "pods_status", Description: "Checks for non-running pods cluster-wide."},
	{Name: "Recent Events", CheckType: "events_recent", Description: "Fetches latest cluster events ordered by timestamp."},
	{Name: "Cluster CPU Usage", CheckType: "cluster_cpu_usage", Description: "Aggregated CPU utilisation via Prometheus metrics."},
	{Name: "Cluster Memory Usage", CheckType: "cluster_memory_usage", Description: "Overall memory utilisation from Prometheus."},
	{Name: "Node CPU Hotspots", CheckType: "node_cpu_hotspots", Description: "Highlights nodes with highest CPU usage."},
	{Name: "Node Memory Pressure", CheckType: "node_memory_pressure", Description: "Highlights nodes with highest memory usage."},
	{Name: "Cluster Disk IO", CheckType: "cluster_disk_io", Description: "Monitors node disk IO time ratio."},
}

// SeedDefaultItems 确保内置巡检项存在，服务启动时调用一次。
func SeedDefaultItems(ctx context.Context, store *sqliteadapter.Store) error {
	for i := range defaultItems {
		tmpl := defaultItems[i]
		existing, err := store.GetItemByName(ctx, tmpl.Name)
		if err != nil {
			return fmt.Errorf("seed default items: %w", err)
		}
		if existing != nil {
			continue
		}
		item := tmpl
		if _, err := store.CreateItem(ctx, &item); err != nil {
			return fmt.Errorf("seed default item %q: %w", tmpl.Name, err)
		}
	}
	return nil
}
