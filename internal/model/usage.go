package model

import "time"

// TokenUsage is the token spend the extraction service reported for one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Extraction is the outcome of one extraction call: the drafts plus the model
// that produced them and what it cost.
type Extraction struct {
	Drafts []Draft
	Model  string
	Usage  TokenUsage
}

// UsageRecord is one interaction's audit entry: which model ran, what it
// cost, and how the resulting drafts fared.
type UsageRecord struct {
	Source           string
	UserID           string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Drafts           int
	Synced           int
	Failed           int
	OccurredAt       time.Time
}

// ModelUsage aggregates the usage log per model.
type ModelUsage struct {
	Model            string
	Calls            int
	PromptTokens     int
	CompletionTokens int
}
