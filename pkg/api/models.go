package api

import (
	"time"

	"github.com/google/uuid"
)

type InferRequest struct {
	PromptKey string
	Text      string
	SessionId string

	Vars  map[string]string `json:"Vars,omitempty"`
	Param map[string]any    `json:"Param,omitempty"`
}

type InferResponse struct {
	InferenceId uuid.UUID
	NodeKey     string
	ModelName   string
	Response    string

	InputTokens    int
	OutputTokens   int
	ElapsedSeconds float64
}

type ScoreRequest struct {
	InferenceId uuid.UUID
	Score       int32
}

type FeedbackRequest struct {
	InferenceId uuid.UUID
	Feedback    string
}

type HistoryParams struct {
	Limit int    `schema:"limit"`
	Query string `schema:"query"`
}

type InferenceRecord struct {
	Id            uuid.UUID
	NodeKey       string
	PromptKey     string
	PromptVersion string
	UserKey       string
	SessionId     string

	RawInput   string
	InferInput string
	Response   string

	InputTokens    int
	OutputTokens   int
	ElapsedSeconds float64

	Score    *int32  `json:"Score,omitempty"`
	Feedback *string `json:"Feedback,omitempty"`

	CreatedTs time.Time
}

type HistoryResponse struct {
	Records []InferenceRecord
}

type ModelOption struct {
	Option   string
	Selected bool
}

type NodeReport struct {
	Key         string
	Status      string
	LoadedModel string
	Models      []ModelOption
	Skills      []string

	SystemStats map[string]any `json:"SystemStats,omitempty"`
	InferStats  *NodeUsage     `json:"InferStats,omitempty"`

	LastRefresh time.Time
}

type PromptInfo struct {
	Key          string
	Version      string
	TargetModels []string

	Template string
	Defaults map[string]string `json:"Defaults,omitempty"`

	// MappedNodes are the online nodes currently able to serve this prompt,
	// intersected with the caller's node allow-list. Available mirrors
	// len(MappedNodes) > 0.
	MappedNodes []string `json:"MappedNodes,omitempty"`
	Available   bool
}

type SwitchModelRequest struct {
	NodeKey  string
	ModelKey string
}

type SwitchModelResponse struct {
	NodeKey     string
	LoadedModel string
	Skills      []string
}

type AllowedTabsResponse struct {
	Tabs []string
}

type NodeUsage struct {
	RequestCount      int64
	SumInputTokens    int64
	SumOutputTokens   int64
	AvgElapsedSeconds float64
	SumElapsedSeconds float64
	PctUsedSeconds    float64
}

type NodeStatsParams struct {
	Hours int `schema:"hours"`
}

type NodeStatsResponse struct {
	WindowHours int
	Nodes       map[string]NodeUsage
}
