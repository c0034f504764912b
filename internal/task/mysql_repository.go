package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "OpenAgent-Core/internal/errors"
)

// MySQLRepository 使用 MySQL 保存任务快照。自增主键保证读取顺序
// 与插入顺序一致，任务树重建依赖这一点。
type MySQLRepository struct {
	db *sql.DB
}

// MySQLConfig 描述任务快照库的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLRepository 创建一个新的 MySQLRepository。
func NewMySQLRepository(ctx context.Context, cfg MySQLConfig) (*MySQLRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	repo := &MySQLRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *MySQLRepository) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS task_records (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        conversation_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(64) NOT NULL,
        requirement TEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        parent_id VARCHAR(64) DEFAULT '',
        content MEDIUMTEXT,
        memorized TEXT,
        comments TEXT,
        depth INT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_record_conversation (conversation_id),
        INDEX idx_record_task (task_id)
)`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 task_records 表失败")
	}
	return nil
}

// Insert 在一个事务内批量写入快照行。
func (r *MySQLRepository) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO task_records
        (conversation_id, task_id, requirement, status, parent_id, content, memorized, comments, depth, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().Unix()
	for _, record := range records {
		if strings.TrimSpace(record.TaskID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
		}
		if _, err := tx.ExecContext(ctx, stmt,
			record.ConversationID,
			record.TaskID,
			record.Requirement,
			record.Status,
			record.ParentID,
			record.Content,
			record.Memorized,
			record.Comments,
			record.Depth,
			now,
			now,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务记录失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务快照失败")
	}
	return nil
}

// Update 按任务 ID 覆盖状态与可选的结果字段。
func (r *MySQLRepository) Update(ctx context.Context, taskID string, status Status, content, memorized, comments *string) error {
	assignments := []string{"status = ?", "updated_at = ?"}
	args := []any{status, time.Now().Unix()}
	if content != nil {
		assignments = append(assignments, "content = ?")
		args = append(args, *content)
	}
	if memorized != nil {
		assignments = append(assignments, "memorized = ?")
		args = append(args, *memorized)
	}
	if comments != nil {
		assignments = append(assignments, "comments = ?")
		args = append(args, *comments)
	}
	args = append(args, taskID)

	query := "UPDATE task_records SET " + strings.Join(assignments, ", ") + " WHERE task_id = ?"
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务记录失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListByConversation 按插入顺序读取会话的全部记录。
func (r *MySQLRepository) ListByConversation(ctx context.Context, conversationID string) ([]Record, error) {
	const stmt = `SELECT conversation_id, task_id, requirement, status, parent_id,
        COALESCE(content, ''), COALESCE(memorized, ''), COALESCE(comments, ''), depth
        FROM task_records WHERE conversation_id = ? ORDER BY id ASC`

	rows, err := r.db.QueryContext(ctx, stmt, conversationID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		if err := rows.Scan(
			&record.ConversationID,
			&record.TaskID,
			&record.Requirement,
			&record.Status,
			&record.ParentID,
			&record.Content,
			&record.Memorized,
			&record.Comments,
			&record.Depth,
		); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描任务记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务记录失败")
	}
	return records, nil
}

// Close 释放数据库连接。
func (r *MySQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ Repository = (*MySQLRepository)(nil)
