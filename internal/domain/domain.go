package domain

// Task status values. A task moves DRAFT -> ACTIVE -> CLOSED -> AGGREGATED;
// AGGREGATED flips to NEEDS_REAGGREGATION when a reply arrives after a merge.
const (
	TaskDraft              = "DRAFT"
	TaskActive             = "ACTIVE"
	TaskClosed             = "CLOSED"
	TaskAggregated         = "AGGREGATED"
	TaskNeedsReaggregation = "NEEDS_REAGGREGATION"
)

// Outbound delivery status values.
const (
	SendQueued = "queued"
	SendSent   = "sent"
	SendFailed = "failed"
)

// Validation issue types.
const (
	IssueMissing = "MISSING"
	IssueInvalid = "INVALID"
)

type Coordinator struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Account      string  `json:"account"`
	PasswordHash string  `json:"-"`
	Email        string  `json:"email"`
	MailAuthCode *string `json:"-"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Recipient struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Phone     *string `json:"phone,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Template struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	CreatedBy   string          `json:"created_by"`
	Fields      []TemplateField `json:"fields,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	UpdatedAt   string          `json:"updated_at" format:"date-time"`
}

// TemplateField is one column of the collected spreadsheet. Ord defines the
// output column order; DisplayName is unique within a template. RuleJSON is
// the generic validation rule document decoded by the rule package.
type TemplateField struct {
	ID          string  `json:"id"`
	TemplateID  string  `json:"template_id"`
	Ord         int     `json:"ord"`
	DisplayName string  `json:"display_name"`
	RuleJSON    *string `json:"rule,omitempty"`
}

type Task struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	TemplateID  string  `json:"template_id"`
	StartedTime *string `json:"started_time,omitempty" format:"date-time"`
	Deadline    *string `json:"deadline,omitempty" format:"date-time"`
	Status      string  `json:"status" enum:"DRAFT,ACTIVE,CLOSED,AGGREGATED,NEEDS_REAGGREGATION"`
	MailSubject string  `json:"mail_subject,omitempty"`
	MailBody    string  `json:"mail_body,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Attachment struct {
	ID          string `json:"id"`
	FilePath    string `json:"file_path"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	UploadedAt  string `json:"uploaded_at" format:"date-time"`
}

// OutboundMessage records one send attempt to one recipient. Rows are never
// mutated after the attempt resolves; RetryCount is bookkeeping only.
type OutboundMessage struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	RecipientID  string  `json:"recipient_id"`
	SentAt       *string `json:"sent_at,omitempty" format:"date-time"`
	Status       string  `json:"status" enum:"queued,sent,failed"`
	RetryCount   int     `json:"retry_count"`
	MessageID    *string `json:"message_id,omitempty"`
	Error        *string `json:"error,omitempty"`
	AttachmentID *string `json:"attachment_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// InboundMessage is one received reply. TaskID is nil when association
// failed; RecipientID is nil when the sender is unknown. Such rows are
// retained for audit and later manual linking. Merged is flipped by the
// aggregation engine and never reset.
type InboundMessage struct {
	ID           string  `json:"id"`
	TaskID       *string `json:"task_id,omitempty"`
	RecipientID  *string `json:"recipient_id,omitempty"`
	Sender       string  `json:"sender,omitempty"`
	ReceivedAt   string  `json:"received_at" format:"date-time"`
	MessageID    *string `json:"message_id,omitempty"`
	Subject      string  `json:"subject,omitempty"`
	AttachmentID *string `json:"attachment_id,omitempty"`
	Merged       bool    `json:"merged"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

// Aggregation is the single merged artifact for a task. The row is reused
// across re-aggregations, so its id and storage path stay stable.
type Aggregation struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	GeneratedBy string `json:"generated_by,omitempty"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
	RecordCount int    `json:"record_count"`
	HasIssues   bool   `json:"has_issues"`
	FilePath    string `json:"file_path"`
}

type ValidationIssue struct {
	ID            string `json:"id"`
	AggregationID string `json:"aggregation_id"`
	RecipientID   string `json:"recipient_id"`
	FieldName     string `json:"field_name"`
	IssueType     string `json:"issue_type" enum:"MISSING,INVALID"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
