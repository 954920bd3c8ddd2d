package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxRecordLine = 16 << 20

// FileStore 把长期日志以 JSON Lines 形式追加写入单个文件。
// 打开时扫描文件恢复序号，残缺或无法解析的行会被跳过。
type FileStore struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  int64
	now  func() time.Time
}

var _ Store = (*FileStore)(nil)

// OpenFileStore 打开（或创建）path 指向的日志文件。
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("长期记忆文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建记忆目录失败: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开长期记忆文件失败: %w", err)
	}
	store := &FileStore{path: path, file: file, now: time.Now}
	if err := store.recoverSeq(); err != nil {
		file.Close()
		return nil, err
	}
	return store, nil
}

func (s *FileStore) recoverSeq() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("读取长期记忆文件失败: %w", err)
	}
	defer f.Close()

	scanner := newRecordScanner(f)
	var last []byte
	for scanner.Scan() {
		last = scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(last, &rec); err != nil {
			continue
		}
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析长期记忆文件失败: %w", err)
	}
	return s.terminateTail(f, len(last) > 0)
}

// terminateTail 在上次异常退出留下半行时补一个换行，避免新记录拼接到残行上。
func (s *FileStore) terminateTail(f *os.File, nonEmpty bool) error {
	if !nonEmpty {
		return nil
	}
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	tail := make([]byte, 1)
	if _, err := f.ReadAt(tail, info.Size()-1); err != nil {
		return fmt.Errorf("读取长期记忆文件失败: %w", err)
	}
	if tail[0] == '\n' {
		return nil
	}
	if _, err := s.file.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("修复长期记忆文件失败: %w", err)
	}
	return nil
}

// Append 分配序号后追加一行记录。
func (s *FileStore) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return Record{}, fmt.Errorf("长期记忆文件已关闭")
	}

	rec.Seq = s.seq + 1
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("序列化记忆记录失败: %w", err)
	}
	if _, err := s.file.Write(append(encoded, '\n')); err != nil {
		return Record{}, fmt.Errorf("写入长期记忆文件失败: %w", err)
	}
	s.seq = rec.Seq
	return rec, nil
}

// Query 逐行读取文件。每次迭代只读取开始时已经存在的内容，
// 迭代过程中的并发追加不会被看到。
func (s *FileStore) Query(ctx context.Context, c Criteria) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			yield(Record{}, fmt.Errorf("读取长期记忆文件失败: %w", err))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			yield(Record{}, fmt.Errorf("读取长期记忆文件失败: %w", err))
			return
		}

		scanner := newRecordScanner(io.LimitReader(f, info.Size()))
		emitted := 0
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			var rec Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			if !c.Match(rec) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
			emitted++
			if c.Limit > 0 && emitted >= c.Limit {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Record{}, fmt.Errorf("解析长期记忆文件失败: %w", err))
		}
	}
}

// Close 关闭底层文件。
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func newRecordScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
	return scanner
}
