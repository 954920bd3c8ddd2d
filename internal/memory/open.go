package memory

import (
	"context"
	"fmt"
	"strings"

	"santosobot/internal/config"
)

// OpenStore 根据配置选择长期日志后端，默认使用 JSON Lines 文件。
func OpenStore(ctx context.Context, cfg config.MemoryConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file":
		return OpenFileStore(cfg.Path)
	case "sqlite":
		return OpenSQLiteStore(ctx, cfg.Path)
	case "mysql":
		return OpenMySQLStore(ctx, MySQLConfig{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("不支持的记忆后端: %s", cfg.Backend)
	}
}
