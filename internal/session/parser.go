package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kon-rad/sessionmirror/internal/pricing"
)

type rawTurn struct {
	Role      string       `json:"role"`
	Timestamp *int64       `json:"timestamp"`
	Metadata  *rawTurnMeta `json:"metadata"`
}

type rawTurnMeta struct {
	Sequence      *int64    `json:"sequence"`
	AgentID       string    `json:"agentId"`
	Model         string    `json:"model"`
	ThinkingLevel string    `json:"thinkingLevel"`
	DurationMs    *int64    `json:"durationMs"`
	TTFTMs        *int64    `json:"ttftMs"`
	Usage         *rawUsage `json:"usage"`
}

type rawUsage struct {
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	ReasoningTokens   int64     `json:"reasoningTokens"`
	CachedTokens      int64     `json:"cachedTokens"`
	CacheCreateTokens int64     `json:"cacheCreateTokens"`
	CostUSD           *rawCosts `json:"costUsd"`
}

type rawCosts struct {
	Input       float64 `json:"input"`
	Output      float64 `json:"output"`
	Reasoning   float64 `json:"reasoning"`
	Cached      float64 `json:"cached"`
	CacheCreate float64 `json:"cacheCreate"`
}

// ParseTranscript reads a chat.jsonl transcript and returns its ingestable
// assistant turns in file order. Malformed lines are counted and skipped.
// Turns whose usage omits explicit USD costs are priced from the table.
func ParseTranscript(path string, table *pricing.Table, logger *slog.Logger) ([]Turn, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

	var turns []Turn
	skipped := 0
	lineNo := int64(0)

	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawTurn
		if err := json.Unmarshal(line, &raw); err != nil {
			skipped++
			logger.Debug("skipping malformed transcript line", "path", path, "line", lineNo, "error", err)
			continue
		}
		if raw.Role != "assistant" || raw.Metadata == nil || raw.Metadata.Usage == nil {
			continue
		}

		meta := raw.Metadata
		turn := Turn{
			Sequence:          lineNo,
			ResponseIndex:     len(turns),
			Timestamp:         raw.Timestamp,
			AgentID:           meta.AgentID,
			Model:             meta.Model,
			ThinkingLevel:     meta.ThinkingLevel,
			DurationMs:        meta.DurationMs,
			TTFTMs:            meta.TTFTMs,
			InputTokens:       meta.Usage.InputTokens,
			OutputTokens:      meta.Usage.OutputTokens,
			ReasoningTokens:   meta.Usage.ReasoningTokens,
			CachedTokens:      meta.Usage.CachedTokens,
			CacheCreateTokens: meta.Usage.CacheCreateTokens,
		}
		if meta.Sequence != nil {
			turn.Sequence = *meta.Sequence
		}
		if raw.Timestamp != nil {
			turn.Day = time.UnixMilli(*raw.Timestamp).UTC().Format("2006-01-02")
		}

		if costs := meta.Usage.CostUSD; costs != nil {
			turn.InputCostUSD = costs.Input
			turn.OutputCostUSD = costs.Output
			turn.ReasoningCostUSD = costs.Reasoning
			turn.CachedCostUSD = costs.Cached
			turn.CacheCreateCostUSD = costs.CacheCreate
		} else {
			priced := table.Cost(turn.Model,
				turn.InputTokens, turn.OutputTokens, turn.ReasoningTokens,
				turn.CachedTokens, turn.CacheCreateTokens)
			turn.InputCostUSD = priced.Input
			turn.OutputCostUSD = priced.Output
			turn.ReasoningCostUSD = priced.Reasoning
			turn.CachedCostUSD = priced.Cached
			turn.CacheCreateCostUSD = priced.CacheCreate
		}

		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan transcript: %w", err)
	}
	if skipped > 0 {
		logger.Warn("transcript contained malformed lines", "path", path, "skipped", skipped)
	}
	return turns, skipped, nil
}

// LoadMetadata reads metadata.json from a session directory. A missing file
// yields (nil, nil); an unreadable or malformed one yields an error the
// caller is expected to log and ignore.
func LoadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// LoadUsageLedger reads the rolledUpFrom map from session-usage.json.
// Missing file yields an empty map.
func LoadUsageLedger(dir string) (map[string]RollupEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, UsageLedgerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read usage ledger: %w", err)
	}
	var file struct {
		RolledUpFrom map[string]RollupEntry `json:"rolledUpFrom"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse usage ledger: %w", err)
	}
	return file.RolledUpFrom, nil
}

// LoadSubagentReports reads subagent-reports.json. Missing file yields an
// empty map.
func LoadSubagentReports(dir string) (map[string]ReportEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, ReportsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subagent reports: %w", err)
	}
	var reports map[string]ReportEntry
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("parse subagent reports: %w", err)
	}
	return reports, nil
}
