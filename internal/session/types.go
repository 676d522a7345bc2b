// Package session reads the per-workspace session directory written by the
// agent runtime: the chat transcript, the workspace metadata file, and the
// two side-channel ledgers describing rolled-up sub-agent usage.
package session

// File names inside a workspace session directory. The directory layout is
// owned by the agent runtime; this package only reads it.
const (
	TranscriptFile  = "chat.jsonl"
	MetadataFile    = "metadata.json"
	UsageLedgerFile = "session-usage.json"
	ReportsFile     = "subagent-reports.json"
	SubagentDir     = "subagent-transcripts"
)

// Turn is one ingestable assistant turn: role == "assistant" with a
// metadata.usage object. Anything else in the transcript is invisible here.
type Turn struct {
	// Sequence is the turn-ordering value: the explicit metadata.sequence
	// field when present, the 1-based transcript line number otherwise.
	Sequence int64

	// ResponseIndex is the 0-based ordinal of this turn among all ingestable
	// turns of the transcript. It is stable across re-parses of the same
	// logical turn and keys in-place row replacement.
	ResponseIndex int

	Timestamp     *int64 // epoch ms
	Day           string // UTC day bucket, "" when Timestamp is nil
	AgentID       string
	Model         string
	ThinkingLevel string
	DurationMs    *int64
	TTFTMs        *int64

	InputTokens       int64
	OutputTokens      int64
	ReasoningTokens   int64
	CachedTokens      int64
	CacheCreateTokens int64

	InputCostUSD       float64
	OutputCostUSD      float64
	ReasoningCostUSD   float64
	CachedCostUSD      float64
	CacheCreateCostUSD float64
}

func (t Turn) TotalCostUSD() float64 {
	return t.InputCostUSD + t.OutputCostUSD + t.ReasoningCostUSD + t.CachedCostUSD + t.CacheCreateCostUSD
}

// Metadata is the optional workspace identity file.
type Metadata struct {
	ProjectPath       string `json:"projectPath"`
	ProjectName       string `json:"projectName"`
	WorkspaceName     string `json:"workspaceName"`
	ParentWorkspaceID string `json:"parentWorkspaceId"`
}

// RollupEntry is one child record in the session-usage.json rolledUpFrom map:
// the idempotency ledger of deleted sub-agent workspaces whose costs were
// already merged into this workspace's totals.
type RollupEntry struct {
	TotalTokens       int64    `json:"totalTokens"`
	ContextTokens     int64    `json:"contextTokens"`
	InputTokens       int64    `json:"inputTokens"`
	OutputTokens      int64    `json:"outputTokens"`
	CachedTokens      int64    `json:"cachedTokens"`
	CacheCreateTokens int64    `json:"cacheCreateTokens"`
	TotalCostUSD      *float64 `json:"totalCostUsd"`
	AgentType         string   `json:"agentType"`
	Model             string   `json:"model"`
	RolledUpAtMs      int64    `json:"rolledUpAtMs"`
}

// ReportEntry is one child record in subagent-reports.json, joined into
// rollup rows by child workspace ID.
type ReportEntry struct {
	ReportTokenEstimate int64 `json:"reportTokenEstimate"`
}
