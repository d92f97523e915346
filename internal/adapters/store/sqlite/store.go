package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kube-inspector/internal/domain/model"
)

// Store 封装与 SQLite 的读写逻辑。
// 上层（webapp / 调度器 / Agent 协议）只通过这里访问数据库。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- clusters ---

// CreateCluster 新增集群并返回自增 ID。
func (s *Store) CreateCluster(ctx context.Context, c *model.Cluster) (int64, error) {
	now := time.Now().Unix()
	contexts, err := json.Marshal(c.Contexts)
	if err != nil {
		return 0, fmt.Errorf("marshal contexts: %w", err)
	}
	if c.ConnectionStatus == "" {
		c.ConnectionStatus = "unknown"
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = model.ExecutorServer
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters(
			name, kubeconfig_path, prometheus_url, contexts_json,
			connection_status, connection_message, execution_mode, default_agent_id,
			last_checked_at, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Name, c.KubeconfigPath, nullIfEmpty(c.PrometheusURL), string(contexts),
		c.ConnectionStatus, nullIfEmpty(c.ConnectionMessage), string(c.ExecutionMode), nullIfZero(c.DefaultAgentID),
		nullIfZero(c.LastCheckedAt), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert cluster: %w", err)
	}
	return res.LastInsertId()
}

const clusterColumns = `
	id, name, kubeconfig_path, COALESCE(prometheus_url, ''), COALESCE(contexts_json, '[]'),
	connection_status, COALESCE(connection_message, ''), execution_mode, COALESCE(default_agent_id, 0),
	COALESCE(last_checked_at, 0), created_at, updated_at`

func scanCluster(row interface{ Scan(...any) error }) (*model.Cluster, error) {
	var c model.Cluster
	var contextsRaw string
	err := row.Scan(
		&c.ID, &c.Name, &c.KubeconfigPath, &c.PrometheusURL, &contextsRaw,
		&c.ConnectionStatus, &c.ConnectionMessage, &c.ExecutionMode, &c.DefaultAgentID,
		&c.LastCheckedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contextsRaw), &c.Contexts); err != nil {
		c.Contexts = nil
	}
	return &c, nil
}

// GetCluster 按 ID 查询集群；不存在时返回 (nil, nil)。
func (s *Store) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = ? LIMIT 1`, id)
	c, err := scanCluster(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query cluster %d: %w", id, err)
	}
	return c, nil
}

// GetClusterByName 按名称查询集群；不存在时返回 (nil, nil)。
func (s *Store) GetClusterByName(ctx context.Context, name string) (*model.Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE name = ? LIMIT 1`, name)
	c, err := scanCluster(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query cluster by name: %w", err)
	}
	return c, nil
}

// ListClusters 返回全部集群，按名称排序。
func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rows.Close()

	out := []model.Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return out, nil
}

// UpdateCluster 整行写回集群（调用方先 Get 再改字段）。
func (s *Store) UpdateCluster(ctx context.Context, c *model.Cluster) error {
	contexts, err := json.Marshal(c.Contexts)
	if err != nil {
		return fmt.Errorf("marshal contexts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE clusters SET
			name = ?, kubeconfig_path = ?, prometheus_url = ?, contexts_json = ?,
			connection_status = ?, connection_message = ?, execution_mode = ?,
			default_agent_id = ?, last_checked_at = ?, updated_at = ?
		WHERE id = ?
	`,
		c.Name, c.KubeconfigPath, nullIfEmpty(c.PrometheusURL), string(contexts),
		c.ConnectionStatus, nullIfEmpty(c.ConnectionMessage), string(c.ExecutionMode),
		nullIfZero(c.DefaultAgentID), nullIfZero(c.LastCheckedAt), time.Now().Unix(),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update cluster %d: %w", c.ID, err)
	}
	return nil
}

// DeleteCluster 删除集群；关联 run/result 由外键级联清理。
func (s *Store) DeleteCluster(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cluster %d: %w", id, err)
	}
	return nil
}

// --- inspection items ---

// CreateItem 新增巡检项。
func (s *Store) CreateItem(ctx context.Context, it *model.InspectionItem) (int64, error) {
	now := time.Now().Unix()
	cfg, err := marshalConfig(it.Config)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inspection_items(name, description, check_type, config_json, is_archived, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, it.Name, nullIfEmpty(it.Description), it.CheckType, cfg, boolToInt(it.IsArchived), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert inspection item: %w", err)
	}
	return res.LastInsertId()
}

const itemColumns = `
	id, name, COALESCE(description, ''), check_type, COALESCE(config_json, ''), is_archived, created_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (*model.InspectionItem, error) {
	var it model.InspectionItem
	var cfgRaw string
	var archived int
	err := row.Scan(&it.ID, &it.Name, &it.Description, &it.CheckType, &cfgRaw, &archived, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	it.IsArchived = archived == 1
	if strings.TrimSpace(cfgRaw) != "" {
		// 坏 JSON 按空配置处理，校验在写入侧完成
		_ = json.Unmarshal([]byte(cfgRaw), &it.Config)
	}
	return &it, nil
}

// GetItem 按 ID 查询巡检项；不存在时返回 (nil, nil)。
func (s *Store) GetItem(ctx context.Context, id int64) (*model.InspectionItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inspection_items WHERE id = ? LIMIT 1`, id)
	it, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query inspection item %d: %w", id, err)
	}
	return it, nil
}

// GetItemByName 按名称查询巡检项（默认项 seeding 用）。
func (s *Store) GetItemByName(ctx context.Context, name string) (*model.InspectionItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM inspection_items WHERE name = ? LIMIT 1`, name)
	it, err := scanItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query inspection item by name: %w", err)
	}
	return it, nil
}

// ListItems 返回未归档的巡检项，按 ID 排序。
func (s *Store) ListItems(ctx context.Context) ([]model.InspectionItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM inspection_items WHERE is_archived = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query inspection items: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inspection item: %w", err)
		}
		out = append(out, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inspection items: %w", err)
	}
	return out, nil
}

// GetItemsByIDs 按请求顺序返回巡检项，重复 ID 去重。
// 任一 ID 不存在时返回错误（创建 run 前的存在性校验依赖这一点）。
func (s *Store) GetItemsByIDs(ctx context.Context, ids []int64) ([]model.InspectionItem, error) {
	out := make([]model.InspectionItem, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		it, err := s.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if it == nil {
			return nil, fmt.Errorf("inspection item not found: %d", id)
		}
		out = append(out, *it)
	}
	return out, nil
}

// UpdateItem 整行写回巡检项。
func (s *Store) UpdateItem(ctx context.Context, it *model.InspectionItem) error {
	cfg, err := marshalConfig(it.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE inspection_items SET
			name = ?, description = ?, check_type = ?, config_json = ?, is_archived = ?, updated_at = ?
		WHERE id = ?
	`, it.Name, nullIfEmpty(it.Description), it.CheckType, cfg, boolToInt(it.IsArchived), time.Now().Unix(), it.ID)
	if err != nil {
		return fmt.Errorf("update inspection item %d: %w", it.ID, err)
	}
	return nil
}

// DeleteItem 删除巡检项。历史结果的 item_id 置空，但缓存的名称保留，
// 保证老的巡检报告仍然可读。
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx delete item: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE inspection_results SET item_id = NULL WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("detach results for item %d: %w", id, err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM inspection_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete inspection item %d: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete item: %w", err)
	}
	return nil
}

// --- inspection runs ---

// CreateRun 新增巡检运行，计划快照整体序列化进 plan_json。
func (s *Store) CreateRun(ctx context.Context, r *model.InspectionRun) (int64, error) {
	now := time.Now().Unix()
	plan, err := json.Marshal(r.Plan)
	if err != nil {
		return 0, fmt.Errorf("marshal run plan: %w", err)
	}
	if r.Status == "" {
		r.Status = model.RunQueued
	}
	if r.Executor == "" {
		r.Executor = model.ExecutorServer
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inspection_runs(
			cluster_id, operator, status, executor, agent_id, agent_status,
			total_items, processed_items, generation, plan_json, summary, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)
	`,
		r.ClusterID, nullIfEmpty(r.Operator), string(r.Status), string(r.Executor),
		nullIfZero(r.AgentID), nullIfEmpty(string(r.AgentStatus)),
		r.TotalItems, string(plan), nullIfEmpty(r.Summary), now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	r.CreatedAt = now
	return res.LastInsertId()
}

const runColumns = `
	id, cluster_id, COALESCE(operator, ''), status, executor, COALESCE(agent_id, 0),
	COALESCE(agent_status, ''), total_items, processed_items, generation,
	COALESCE(plan_json, '[]'), COALESCE(summary, ''), COALESCE(report_path, ''),
	created_at, COALESCE(completed_at, 0)`

func scanRun(row interface{ Scan(...any) error }) (*model.InspectionRun, error) {
	var r model.InspectionRun
	var planRaw string
	err := row.Scan(
		&r.ID, &r.ClusterID, &r.Operator, &r.Status, &r.Executor, &r.AgentID,
		&r.AgentStatus, &r.TotalItems, &r.ProcessedItems, &r.Generation,
		&planRaw, &r.Summary, &r.ReportPath,
		&r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(planRaw), &r.Plan); err != nil {
		return nil, fmt.Errorf("decode run plan: %w", err)
	}
	return &r, nil
}

// GetRun 按 ID 查询运行（含计划快照）；不存在时返回 (nil, nil)。
func (s *Store) GetRun(ctx context.Context, id int64) (*model.InspectionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM inspection_runs WHERE id = ? LIMIT 1`, id)
	r, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query run %d: %w", id, err)
	}
	return r, nil
}

// ListRuns 返回最近的运行（含计划快照），按创建时间倒序。
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.InspectionRun, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM inspection_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// DeleteRun 删除运行，结果由外键级联清理。
func (s *Store) DeleteRun(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inspection_runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run %d: %w", id, err)
	}
	return nil
}

// UpdateRunStatus 只更新整体状态（server 执行路径）。
func (s *Store) UpdateRunStatus(ctx context.Context, id int64, status model.RunStatus) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inspection_runs SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("update run %d status: %w", id, err)
	}
	return nil
}

// UpdateRunState 同时更新整体状态与 agent 子状态，二者必须一起写，
// 避免出现互相矛盾的进度。
func (s *Store) UpdateRunState(ctx context.Context, id int64, status model.RunStatus, agentStatus model.AgentRunStatus) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inspection_runs SET status = ?, agent_status = ? WHERE id = ?`,
		string(status), nullIfEmpty(string(agentStatus)), id); err != nil {
		return fmt.Errorf("update run %d state: %w", id, err)
	}
	return nil
}

// AdvanceRunProgress 推进 processed_items。
// 约束都在 SQL 内完成：只增不减、封顶 total_items、代际不匹配时不写
// （防止被错误恢复的旧工作协程重复推进）。返回是否实际命中行。
func (s *Store) AdvanceRunProgress(ctx context.Context, id int64, processed int, generation int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inspection_runs
		SET processed_items = MAX(processed_items, MIN(?, total_items))
		WHERE id = ? AND generation = ?
	`, processed, id, generation)
	if err != nil {
		return false, fmt.Errorf("advance run %d progress: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance run %d progress: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// BumpRunGeneration 自增运行代际并返回新值。每次（重）提交执行前调用。
func (s *Store) BumpRunGeneration(ctx context.Context, id int64) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inspection_runs SET generation = generation + 1 WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("bump run %d generation: %w", id, err)
	}
	var gen int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT generation FROM inspection_runs WHERE id = ?`, id).Scan(&gen); err != nil {
		return 0, fmt.Errorf("read run %d generation: %w", id, err)
	}
	return gen, nil
}

// FinalizeRun 写入终态：状态、agent 子状态（可为空）、摘要、完成时间。
func (s *Store) FinalizeRun(ctx context.Context, id int64, status model.RunStatus, agentStatus model.AgentRunStatus, summary string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE inspection_runs
		SET status = ?, agent_status = COALESCE(?, agent_status), summary = ?, completed_at = ?
		WHERE id = ?
	`, string(status), nullIfEmpty(string(agentStatus)), summary, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("finalize run %d: %w", id, err)
	}
	return nil
}

// SetRunReport 登记报告文件路径。
func (s *Store) SetRunReport(ctx context.Context, id int64, path string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inspection_runs SET report_path = ? WHERE id = ?`, path, id); err != nil {
		return fmt.Errorf("set run %d report: %w", id, err)
	}
	return nil
}

// ListAgentQueuedRuns 返回绑定到指定 Agent、等待领取的运行，按创建时间升序。
func (s *Store) ListAgentQueuedRuns(ctx context.Context, agentID int64, limit int) ([]model.InspectionRun, error) {
	if limit <= 0 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM inspection_runs
		WHERE executor = 'agent' AND agent_id = ? AND agent_status = 'queued' AND status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query agent queued runs: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent queued run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent queued runs: %w", err)
	}
	return out, nil
}

// ListStaleAgentRuns 找出“Agent 心跳超时仍停留在 running”的运行。
// cutoff 为心跳截止时间戳（last_seen_at 更早即视为失联）。
func (s *Store) ListStaleAgentRuns(ctx context.Context, cutoff int64) ([]model.InspectionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumnsPrefixed("r")+`
		FROM inspection_runs r
		JOIN inspection_agents a ON a.id = r.agent_id
		WHERE r.executor = 'agent' AND r.status = 'running' AND r.agent_status = 'running'
		  AND COALESCE(a.last_seen_at, 0) < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale agent runs: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale agent run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale agent runs: %w", err)
	}
	return out, nil
}

// RequeueAgentRun 把失联 Agent 的运行重置回待领取状态：
// 清空完成时间、摘要追加说明；processed_items 保留，便于排查卡点。
func (s *Store) RequeueAgentRun(ctx context.Context, id int64, note string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE inspection_runs
		SET status = 'queued', agent_status = 'queued', completed_at = NULL,
			summary = TRIM(COALESCE(summary, '') || ' ' || ?)
		WHERE id = ?
	`, note, id); err != nil {
		return fmt.Errorf("requeue agent run %d: %w", id, err)
	}
	return nil
}

// ListRestartableServerRuns 返回进程重启后需要重新提交的 server 运行
// （queued：尚未启动；running：进程死在半路，按 processed_items 断点续跑）。
func (s *Store) ListRestartableServerRuns(ctx context.Context) ([]model.InspectionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM inspection_runs
		WHERE executor = 'server' AND status IN ('queued', 'running')
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query restartable runs: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan restartable run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate restartable runs: %w", err)
	}
	return out, nil
}

// --- inspection results ---

// AddResult 追加一条巡检结果。
func (s *Store) AddResult(ctx context.Context, r *model.InspectionResult) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inspection_results(run_id, item_id, item_name, status, detail, suggestion, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, nullIfZero(r.ItemID), r.ItemName, string(r.Status),
		nullIfEmpty(r.Detail), nullIfEmpty(r.Suggestion), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	return res.LastInsertId()
}

// ListResults 返回某次运行的全部结果，按写入顺序。
func (s *Store) ListResults(ctx context.Context, runID int64) ([]model.InspectionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, COALESCE(item_id, 0), item_name, status,
			COALESCE(detail, ''), COALESCE(suggestion, ''), created_at
		FROM inspection_results
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionResult{}
	for rows.Next() {
		var r model.InspectionResult
		if err := rows.Scan(&r.ID, &r.RunID, &r.ItemID, &r.ItemName, &r.Status,
			&r.Detail, &r.Suggestion, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// CountResultStatuses 统计某次运行各判定的数量。
func (s *Store) CountResultStatuses(ctx context.Context, runID int64) (passed, warning, failed int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM inspection_results WHERE run_id = ? GROUP BY status
	`, runID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("count result statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("scan result status count: %w", err)
		}
		switch model.CheckStatus(status) {
		case model.CheckPassed:
			passed = n
		case model.CheckWarning:
			warning = n
		case model.CheckFailed:
			failed = n
		default:
			// 历史脏数据按 warning 计
			warning += n
		}
	}
	if err = rows.Err(); err != nil {
		return 0, 0, 0, fmt.Errorf("iterate result status counts: %w", err)
	}
	return passed, warning, failed, nil
}

// ReplaceResults 用事务整体替换某次运行的结果集（Agent 重传语义）。
func (s *Store) ReplaceResults(ctx context.Context, runID int64, results []model.InspectionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx replace results: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM inspection_results WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete old results for run %d: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO inspection_results(run_id, item_id, item_name, status, detail, suggestion, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert results: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, r := range results {
		_, err = stmt.ExecContext(ctx, runID, nullIfZero(r.ItemID), r.ItemName,
			string(r.Status), nullIfEmpty(r.Detail), nullIfEmpty(r.Suggestion), now)
		if err != nil {
			return fmt.Errorf("insert replacement result: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace results: %w", err)
	}
	return nil
}

// --- agents ---

// CreateAgent 新增 Agent，token 由调用方生成。
func (s *Store) CreateAgent(ctx context.Context, a *model.InspectionAgent) (int64, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inspection_agents(name, token, cluster_id, description, is_enabled, prometheus_url, last_seen_at, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, NULL, ?, ?)
	`, a.Name, a.Token, nullIfZero(a.ClusterID), nullIfEmpty(a.Description),
		boolToInt(a.IsEnabled), nullIfEmpty(a.PrometheusURL), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	return res.LastInsertId()
}

const agentColumns = `
	id, name, token, COALESCE(cluster_id, 0), COALESCE(description, ''),
	is_enabled, COALESCE(prometheus_url, ''), COALESCE(last_seen_at, 0), created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*model.InspectionAgent, error) {
	var a model.InspectionAgent
	var enabled int
	err := row.Scan(&a.ID, &a.Name, &a.Token, &a.ClusterID, &a.Description,
		&enabled, &a.PrometheusURL, &a.LastSeenAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.IsEnabled = enabled == 1
	return &a, nil
}

// GetAgent 按 ID 查询 Agent；不存在时返回 (nil, nil)。
func (s *Store) GetAgent(ctx context.Context, id int64) (*model.InspectionAgent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM inspection_agents WHERE id = ? LIMIT 1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query agent %d: %w", id, err)
	}
	return a, nil
}

// GetAgentByToken 按 token 精确匹配查询 Agent；不存在时返回 (nil, nil)。
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*model.InspectionAgent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM inspection_agents WHERE token = ? LIMIT 1`, token)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query agent by token: %w", err)
	}
	return a, nil
}

// ListAgents 返回全部 Agent。
func (s *Store) ListAgents(ctx context.Context) ([]model.InspectionAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM inspection_agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	out := []model.InspectionAgent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// UpdateAgent 整行写回 Agent（token 不在此处轮换）。
func (s *Store) UpdateAgent(ctx context.Context, a *model.InspectionAgent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inspection_agents SET
			name = ?, cluster_id = ?, description = ?, is_enabled = ?, prometheus_url = ?, updated_at = ?
		WHERE id = ?
	`, a.Name, nullIfZero(a.ClusterID), nullIfEmpty(a.Description),
		boolToInt(a.IsEnabled), nullIfEmpty(a.PrometheusURL), time.Now().Unix(), a.ID)
	if err != nil {
		return fmt.Errorf("update agent %d: %w", a.ID, err)
	}
	return nil
}

// DeleteAgent 删除 Agent；其运行的 agent_id 由外键置空。
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inspection_agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent %d: %w", id, err)
	}
	return nil
}

// TouchAgentSeen 更新 Agent 心跳时间。
func (s *Store) TouchAgentSeen(ctx context.Context, id int64, ts int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE inspection_agents SET last_seen_at = ? WHERE id = ?`, ts, id); err != nil {
		return fmt.Errorf("touch agent %d: %w", id, err)
	}
	return nil
}

// --- audit logs ---

// AppendAudit 写入一条审计日志。审计失败不应阻断主流程，调用方一般忽略返回值。
func (s *Store) AppendAudit(ctx context.Context, action, entityType string, entityID int64, description string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs(action, entity_type, entity_id, description, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, action, entityType, nullIfZero(entityID), nullIfEmpty(description), time.Now().Unix()); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs 返回最近的审计日志，按时间倒序。
func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, COALESCE(entity_id, 0), COALESCE(description, ''), created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var l model.AuditLog
		if err := rows.Scan(&l.ID, &l.Action, &l.EntityType, &l.EntityID, &l.Description, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}

// --- helpers ---

// runColumnsPrefixed 给 runColumns 中的每个列加上表别名。
// 按括号深度切分，COALESCE(...) 内部的逗号不算列分隔符。
func runColumnsPrefixed(alias string) string {
	var cols []string
	depth, start := 0, 0
	for i := 0; i < len(runColumns); i++ {
		switch runColumns[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				cols = append(cols, runColumns[start:i])
				start = i + 1
			}
		}
	}
	cols = append(cols, runColumns[start:])

	out := make([]string, 0, len(cols))
	for _, c := range cols {
		c = strings.TrimSpace(c)
		// COALESCE(x, y) 只有首参数是列名，别名加在它前面
		if strings.HasPrefix(c, "COALESCE(") {
			inner := strings.TrimPrefix(c, "COALESCE(")
			out = append(out, "COALESCE("+alias+"."+inner)
		} else {
			out = append(out, alias+"."+c)
		}
	}
	return strings.Join(out, ", ")
}

func marshalConfig(cfg map[string]any) (any, error) {
	if len(cfg) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal item config: %w", err)
	}
	return string(raw), nil
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// 0 值 ID/时间戳按 NULL 写入。
func nullIfZero(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
