package llmqapi

// Status classifies the outcome of one queue submission.
type Status string

const (
	StatusOK            Status = "OK"
	StatusRateLimited   Status = "RATE_LIMITED"
	StatusQueueFull     Status = "QUEUE_FULL"
	StatusTimeout       Status = "TIMEOUT"
	StatusMissingUserID Status = "MISSING_USER_ID"
	StatusLLMError      Status = "LLM_ERROR"
	StatusResourceError Status = "RESOURCE_ERROR"
)

// ModelPreferences narrows which deployments may serve a request and how many
// capacity units the request reserves against their per-minute budgets.
// At least one of RequireLLM and RequireEmbedding must be set; a request that
// requires neither fails admission.
type ModelPreferences struct {
	RequireLLM           bool    `json:"require_llm"`
	RequireEmbedding     bool    `json:"require_embedding"`
	SpecificLLMID        string  `json:"specific_llm_id,omitempty"`
	SpecificEmbeddingID  string  `json:"specific_embedding_id,omitempty"`
	LLMCallsPerReq       float64 `json:"llm_calls_per_req,omitempty"`
	EmbeddingCallsPerReq float64 `json:"embedding_calls_per_req,omitempty"`
}

type SubmitRequest struct {
	ReqType     string           `json:"req_type"`
	UserID      string           `json:"user_id"`
	Payload     any              `json:"payload"`
	Preferences ModelPreferences `json:"preferences"`
}

type SubmitResponse struct {
	Status            Status  `json:"status"`
	Response          any     `json:"response,omitempty"`
	ErrorMessage      string  `json:"error_message,omitempty"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}
