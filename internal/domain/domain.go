package domain

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Rule evaluation statuses.
const (
	RuleCompliant = "compliant"
	RuleViolation = "violation"
	RuleError     = "error"
)

// Rule modes. A match rule flags when its conditions hold; a require rule
// flags when any of its conditions does not hold.
const (
	ModeMatch   = "match"
	ModeRequire = "require"
)

type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Input       map[string]any `json:"input,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status" enum:"pending,running,completed,failed"`
	ActorID     string         `json:"actor_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

type Subtask struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Capability string         `json:"capability"`
	Status     string         `json:"status" enum:"pending,running,completed,failed"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  string         `json:"started_at,omitempty" format:"date-time"`
	FinishedAt string         `json:"finished_at,omitempty" format:"date-time"`
}

type Document struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RuleCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

type RuleAction struct {
	Type        string `json:"type" yaml:"type"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`
}

type ComplianceRule struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	Jurisdiction string          `json:"jurisdiction" yaml:"jurisdiction"`
	DocumentType string          `json:"document_type,omitempty" yaml:"document_type,omitempty"`
	RuleType     string          `json:"rule_type,omitempty" yaml:"rule_type,omitempty"`
	Severity     string          `json:"severity" yaml:"severity" enum:"critical,high,medium,low"`
	Mode         string          `json:"mode,omitempty" yaml:"mode,omitempty" enum:"match,require"`
	Conditions   []RuleCondition `json:"conditions" yaml:"conditions"`
	Actions      []RuleAction    `json:"actions,omitempty" yaml:"actions,omitempty"`
	Tags         []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version      int             `json:"version" yaml:"-"`
	Active       bool            `json:"active" yaml:"-"`
	CreatedAt    string          `json:"created_at,omitempty" yaml:"-" format:"date-time"`
}

type RuleEvaluationResult struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name,omitempty"`
	RuleVersion int      `json:"rule_version"`
	RuleType    string   `json:"rule_type,omitempty"`
	Status      string   `json:"status" enum:"compliant,violation,error"`
	Severity    string   `json:"severity"`
	Details     []string `json:"details,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type ComplianceCheck struct {
	ID            string                 `json:"id"`
	DocumentID    string                 `json:"document_id"`
	Jurisdiction  string                 `json:"jurisdiction"`
	DocumentType  string                 `json:"document_type,omitempty"`
	Results       []RuleEvaluationResult `json:"results"`
	Compliant     bool                   `json:"compliant"`
	CheckedAt     string                 `json:"checked_at" format:"date-time"`
	AuditPosition int64                  `json:"audit_position"`
}

type AuditEvent struct {
	Seq         int64  `json:"seq"`
	EventType   string `json:"event_type"`
	ResourceID  string `json:"resource_id"`
	ActorID     string `json:"actor_id,omitempty"`
	Timestamp   string `json:"timestamp" format:"date-time"`
	Details     string `json:"details_json"`
	ContentHash string `json:"content_hash"`
	ChainHash   string `json:"chain_hash"`
}

type Notification struct {
	ID        string         `json:"id"`
	TargetID  string         `json:"target_id,omitempty"`
	Type      string         `json:"type" enum:"compliance_issue,document_update,security_alert,task_update"`
	Severity  string         `json:"severity" enum:"critical,high,medium,low"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	SourceID  string         `json:"source_id,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
