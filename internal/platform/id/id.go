package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New 生成带前缀的简易唯一 ID：prefix + 毫秒时间戳 + 随机后缀。
// 用于落盘文件名（kubeconfig 快照），便于日志阅读。
func New(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// NewToken 生成 Agent 凭证 token（32 位小写十六进制）。
// token 在数据库层有唯一约束，这里只负责足够的随机性。
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
