package state

import "strconv"

// Sentinels used in telemetry rows so downstream consumers never see empty
// cells. Numeric fields default to -1.
const (
	NoUserID          = "NO_USER_ID"
	NoError           = "NO ERROR"
	DefaultDeployment = "DEFAULT DEPLOYMENT NAME"
)

// TelemetryColumns is the stable row layout for every telemetry sink. Order
// matters for the CSV adapter and for the relational DDL.
var TelemetryColumns = []string{
	"req_id",
	"user_id",
	"req_payload",
	"req_type",
	"deployment_name",
	"request_received_at",
	"request_queued_at",
	"request_dequeued_at",
	"response_queued_at",
	"response_dequeued_at",
	"prompt_tokens",
	"completion_tokens",
	"embedding_tokens",
	"error_message",
}

// TelemetryRecord is the per-request audit row. Timestamps are integer
// milliseconds since epoch; -1 means the stage was never reached.
type TelemetryRecord struct {
	ReqID              string
	UserID             string
	ReqPayload         string
	ReqType            string
	DeploymentName     string
	RequestReceivedAt  int64
	RequestQueuedAt    int64
	RequestDequeuedAt  int64
	ResponseQueuedAt   int64
	ResponseDequeuedAt int64
	PromptTokens       int64
	CompletionTokens   int64
	EmbeddingTokens    int64
	ErrorMessage       string
}

// NewTelemetryRecord returns a record with every numeric field unset (-1).
func NewTelemetryRecord(reqID string) TelemetryRecord {
	return TelemetryRecord{
		ReqID:              reqID,
		RequestReceivedAt:  -1,
		RequestQueuedAt:    -1,
		RequestDequeuedAt:  -1,
		ResponseQueuedAt:   -1,
		ResponseDequeuedAt: -1,
		PromptTokens:       -1,
		CompletionTokens:   -1,
		EmbeddingTokens:    -1,
	}
}

// Normalized returns a copy with string sentinels applied to empty fields.
func (r TelemetryRecord) Normalized() TelemetryRecord {
	out := r
	if out.UserID == "" {
		out.UserID = NoUserID
	}
	if out.DeploymentName == "" {
		out.DeploymentName = DefaultDeployment
	}
	if out.ErrorMessage == "" {
		out.ErrorMessage = NoError
	}
	return out
}

// Row renders the record as strings in TelemetryColumns order.
func (r TelemetryRecord) Row() []string {
	n := r.Normalized()
	return []string{
		n.ReqID,
		n.UserID,
		n.ReqPayload,
		n.ReqType,
		n.DeploymentName,
		strconv.FormatInt(n.RequestReceivedAt, 10),
		strconv.FormatInt(n.RequestQueuedAt, 10),
		strconv.FormatInt(n.RequestDequeuedAt, 10),
		strconv.FormatInt(n.ResponseQueuedAt, 10),
		strconv.FormatInt(n.ResponseDequeuedAt, 10),
		strconv.FormatInt(n.PromptTokens, 10),
		strconv.FormatInt(n.CompletionTokens, 10),
		strconv.FormatInt(n.EmbeddingTokens, 10),
		n.ErrorMessage,
	}
}
