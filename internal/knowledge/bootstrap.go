package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BootstrapFiles 是工作区根目录下会被拼入系统提示词的文件，按顺序加载。
var BootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

// MemoryFile 是工作区内由模型自行维护的长期笔记。
const MemoryFile = "memory/MEMORY.md"

// maxDocumentBytes 限制单个引导文件的体积，避免系统提示词失控。
const maxDocumentBytes = 64 << 10

// Provider 为系统提示词提供引导文档。
type Provider interface {
	Documents(ctx context.Context) ([]Document, error)
	Root() string
}

// Document 是一份引导文档。
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Session 描述系统提示词中的当前会话信息。
type Session struct {
	ID      string
	Channel string
	ChatID  string
}

// Workspace 从工作区目录读取引导文件。每次调用都重新读取，
// 因此模型通过 write_file 修改 MEMORY.md 后下一轮即可生效。
type Workspace struct {
	root string
}

// NewWorkspace 创建基于 root 的引导文档来源。
func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root}
}

// Root 返回工作区根目录。
func (w *Workspace) Root() string {
	return w.root
}

// Documents 读取存在且非空的引导文件，缺失文件会被忽略。
func (w *Workspace) Documents(ctx context.Context) ([]Document, error) {
	if w == nil || strings.TrimSpace(w.root) == "" {
		return nil, nil
	}
	names := append(append([]string(nil), BootstrapFiles...), MemoryFile)
	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		content, err := readDocument(filepath.Join(w.root, filepath.FromSlash(name)))
		if err != nil {
			return docs, err
		}
		if content == "" {
			continue
		}
		docs = append(docs, Document{Name: name, Content: content})
	}
	return docs, nil
}

func readDocument(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取引导文件失败: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("读取引导文件失败: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SystemPrompt 拼装固定在窗口顶部的系统消息：身份、当前时间、工作区、
// 引导文档、长期笔记与当前会话。
func SystemPrompt(now time.Time, root string, docs []Document, sess Session) string {
	parts := []string{identity(now, root)}

	var bootstrap, memory []string
	for _, doc := range docs {
		if doc.Name == MemoryFile {
			memory = append(memory, "## Long-term Memory\n\n"+doc.Content)
			continue
		}
		bootstrap = append(bootstrap, fmt.Sprintf("## %s\n\n%s", doc.Name, doc.Content))
	}
	if len(bootstrap) > 0 {
		parts = append(parts, strings.Join(bootstrap, "\n\n"))
	}
	if len(memory) > 0 {
		parts = append(parts, strings.Join(memory, "\n\n"))
	}

	prompt := strings.Join(parts, "\n\n---\n\n")
	if sess.Channel != "" && sess.ChatID != "" {
		prompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", sess.Channel, sess.ChatID)
	}
	return prompt
}

func identity(now time.Time, root string) string {
	return fmt.Sprintf(`# Santoso

You are Santoso, a helpful AI assistant.

## Current Time
%s

## Workspace
Your workspace is at: %s
- Long-term memory: %s

## Your Capabilities
You have access to tools that allow you to:
- Read, write, and edit files
- List directories
- Execute shell commands
- Fetch web pages

Always be helpful, accurate, and concise. When using tools, think step by step.
When remembering something important, write to %s`,
		now.Format("2006-01-02 15:04 (Monday)"),
		root,
		filepath.Join(root, filepath.FromSlash(MemoryFile)),
		filepath.Join(root, filepath.FromSlash(MemoryFile)),
	)
}

var seedFiles = []Document{
	{Name: "AGENTS.md", Content: "# Agents\n\nYou are a helpful AI assistant.\n"},
	{Name: "SOUL.md", Content: "# Soul\n\nYour core personality and values.\n"},
	{Name: "USER.md", Content: "# User\n\nInformation about the user.\n"},
	{Name: "TOOLS.md", Content: "# Tools\n\nAvailable tools and their descriptions.\n"},
	{Name: MemoryFile, Content: "# Memory\n\n"},
}

// Seed 在工作区写入默认引导文件，已存在的文件不会被覆盖。
// 返回新建文件的相对路径。
func Seed(root string) ([]string, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("工作区路径不能为空")
	}
	var created []string
	for _, doc := range seedFiles {
		path := filepath.Join(root, filepath.FromSlash(doc.Name))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return created, fmt.Errorf("创建工作区目录失败: %w", err)
		}
		if err := os.WriteFile(path, []byte(doc.Content), 0o644); err != nil {
			return created, fmt.Errorf("写入引导文件失败: %w", err)
		}
		created = append(created, doc.Name)
	}
	return created, nil
}

var _ Provider = (*Workspace)(nil)
