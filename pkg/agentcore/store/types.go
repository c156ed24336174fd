package store

import "time"

// Scope partitions sessions for the same chat (§3 Data Model).
const (
	ScopeMain           = "main"
	ScopePerPeer        = "per-peer"
	ScopePerChannelPeer = "per-channel-peer"
)

// Memory categories (§3). Unknown categories are normalized to Project.
const (
	CategorySystem      = "System"
	CategoryEnvironment = "Environment"
	CategorySkill       = "Skill"
	CategoryProject     = "Project"
	CategoryComm        = "Comm"
	CategorySecurity    = "Security"
)

var memoryCategories = map[string]bool{
	CategorySystem:      true,
	CategoryEnvironment: true,
	CategorySkill:       true,
	CategoryProject:     true,
	CategoryComm:        true,
	CategorySecurity:    true,
}

// NormalizeCategory maps an unknown category to Project, per §3/§8.
func NormalizeCategory(category string) string {
	if memoryCategories[category] {
		return category
	}
	return CategoryProject
}

// Message roles (§3).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Resumable task statuses (§3, §4.6).
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Session is the durable per-chat (and per-scope) conversation context.
type Session struct {
	ID                  int64
	SessionKey          string // agent:<agent_id>:<scope>:<chat_id>
	ChatID              int64
	AgentID             string
	Scope               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	MessageCount        int
	ModelMessageHistory string // opaque blob; see store.go doc comment
}

// Message is one append-only row of conversation history.
type Message struct {
	ID         int64
	SessionID  int64
	Role       string
	Content    string
	Timestamp  time.Time
	ToolName   string
	ToolParams string // JSON, opaque to the store
	ToolResult string
	Metadata   string // JSON, opaque to the store
}

// MemoryEntry is one L0/L1/L2 long-term memory row.
type MemoryEntry struct {
	Key         string
	Category    string
	L0Abstract  string
	L1Overview  string
	L2Details   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Confidence  float64
	AccessCount int
}

// ResumableTask is a persisted intent to complete a goal across restarts.
type ResumableTask struct {
	ID          int64
	SessionID   int64
	ChatID      int64
	Goal        string
	Status      string
	ResumeCount int
	CreatedAt   time.Time
	ResumedAt   *time.Time
}

// SessionStats summarizes a session for the §6.4 status/admin surface,
// per the supplemented get_session_stats feature in SPEC_FULL.md §12.
type SessionStats struct {
	SessionID      int64
	ChatID         int64
	MessageCount   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	UptimeSeconds  float64
	IdleSeconds    float64
	EstimatedToken int
	TotalChars     int
	LastMessages   []MessagePreview
}

// MessagePreview is a truncated preview of one message, used by SessionStats.
type MessagePreview struct {
	Role           string
	ContentPreview string
	Chars          int
}
