package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"game_mas/internal/domain"
)

var ErrForbiddenFileOperation = errors.New("file operation is forbidden by policy")

type Policy interface {
	CanExport(ctx context.Context, agentID string, targetPath string) (bool, string, error)
}

type Journal interface {
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

// Gateway confines export files to a root directory. Policy and journal are
// optional.
type Gateway struct {
	root    string
	policy  Policy
	journal Journal
	now     func() time.Time
}

func NewGateway(root string, policy Policy, journal Journal) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{
		root:    absRoot,
		policy:  policy,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

type historyExport struct {
	AgentID    string                   `json:"agent_id"`
	ExportedAt time.Time                `json:"exported_at"`
	Entries    []domain.AdjustmentEntry `json:"entries"`
}

// ExportHistory writes entries to <agent>/history-<timestamp>.json and
// returns the path relative to the root.
func (g *Gateway) ExportHistory(ctx context.Context, agentID string, entries []domain.AdjustmentEntry) (string, error) {
	if entries == nil {
		entries = []domain.AdjustmentEntry{}
	}
	now := g.now()
	relPath := fmt.Sprintf("%s/history-%s.json", agentID, now.Format("20060102T150405.000Z"))
	content, err := json.MarshalIndent(historyExport{
		AgentID:    agentID,
		ExportedAt: now,
		Entries:    entries,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history export: %w", err)
	}
	normalized, err := g.WriteFile(ctx, agentID, relPath, content)
	if err != nil {
		return "", err
	}
	g.logDecision(ctx, agentID, "history_exported", "adjustment history exported", map[string]any{
		"path":    normalized,
		"entries": len(entries),
	})
	return normalized, nil
}

func (g *Gateway) WriteFile(ctx context.Context, agentID, relPath string, content []byte) (string, error) {
	absPath, normalized, err := g.resolve(relPath)
	if err != nil {
		g.logDecision(ctx, agentID, "export_denied", err.Error(), map[string]any{"path": relPath})
		return "", err
	}

	if g.policy != nil {
		allowed, reason, err := g.policy.CanExport(ctx, agentID, normalized)
		if err != nil {
			return "", fmt.Errorf("policy check write file: %w", err)
		}
		if !allowed {
			g.logDecision(ctx, agentID, "export_denied", reason, map[string]any{"path": normalized})
			return "", fmt.Errorf("%w: %s", ErrForbiddenFileOperation, reason)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return normalized, nil
}

func (g *Gateway) ReadFile(relPath string) ([]byte, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (g *Gateway) logDecision(ctx context.Context, agentID, action, reason string, payload any) {
	if g.journal == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	_ = g.journal.LogDecision(ctx, domain.DecisionLog{
		AgentID: agentID,
		Action:  action,
		Reason:  reason,
		Payload: raw,
	})
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	abs := filepath.Join(g.root, filepath.FromSlash(normalized))
	absClean := filepath.Clean(abs)
	absRoot := filepath.Clean(g.root)

	rel, err := filepath.Rel(absRoot, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if strings.HasPrefix(rel, "..") || rel == "." {
		return "", "", fmt.Errorf("path escapes export root: %q", relPath)
	}
	return absClean, strings.ReplaceAll(rel, "\\", "/"), nil
}
