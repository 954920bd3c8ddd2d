package memory

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	dialectMySQL  = "mysql"
	dialectSQLite = "sqlite"
)

// SQLStore 把长期日志写入关系型数据库的 memory_records 表，
// seq 由自增主键分配。SQLite 与 MySQL 共享同一套语句。
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQLiteStore 打开本地 SQLite 数据库，启用 WAL 并设置 busy_timeout。
// 连接数固定为 1，写入天然串行。
func OpenSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建记忆目录失败: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 SQLite 参数失败: %w", err)
		}
	}
	return newSQLStore(ctx, db, dialectSQLite)
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenMySQLStore 建立连接池并执行内嵌迁移。
func OpenMySQLStore(ctx context.Context, cfg MySQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return newSQLStore(ctx, db, dialectMySQL)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if err := runMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

// Append 插入一条记录并回填自增序号。
func (s *SQLStore) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	const stmt = `INSERT INTO memory_records
        (record_id, session_id, kind, role, text, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt,
		rec.ID,
		rec.SessionID,
		string(rec.Kind),
		rec.Role,
		rec.Text,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("写入 memory_records 失败: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("读取记录序号失败: %w", err)
	}
	rec.Seq = seq
	return rec, nil
}

// Query 在迭代时执行查询并逐行扫描，提前停止迭代会立即释放结果集。
func (s *SQLStore) Query(ctx context.Context, c Criteria) iter.Seq2[Record, error] {
	query, args := buildQuery(c)
	return func(yield func(Record, error) bool) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Record{}, fmt.Errorf("查询 memory_records 失败: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     Record
				kind    string
				created int64
			)
			if err := rows.Scan(&rec.Seq, &rec.ID, &rec.SessionID, &kind, &rec.Role, &rec.Text, &created); err != nil {
				yield(Record{}, fmt.Errorf("解析 memory_records 失败: %w", err))
				return
			}
			rec.Kind = Kind(kind)
			rec.CreatedAt = time.Unix(0, created).UTC()
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, fmt.Errorf("遍历 memory_records 失败: %w", err))
		}
	}
}

func buildQuery(c Criteria) (string, []any) {
	var (
		where = []string{"seq > ?"}
		args  = []any{c.AfterSeq}
	)
	if c.SessionID != "" {
		if c.IncludeShared {
			where = append(where, "(session_id = ? OR session_id = '')")
		} else {
			where = append(where, "session_id = ?")
		}
		args = append(args, c.SessionID)
	}
	if len(c.Kinds) > 0 {
		placeholders := make([]string, len(c.Kinds))
		for i, k := range c.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if c.Contains != "" {
		where = append(where, "LOWER(text) LIKE ? ESCAPE '!'")
		args = append(args, "%"+escapeLike(strings.ToLower(c.Contains))+"%")
	}

	query := `SELECT seq, record_id, session_id, kind, role, text, created_at
        FROM memory_records WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if c.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, c.Limit)
	}
	return query, args
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
