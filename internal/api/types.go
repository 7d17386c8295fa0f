package api

import (
	"time"

	"github.com/Ranack/twit-sentiments/internal/inference"
)

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type RootResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type PredictRequest struct {
	Text string `json:"text"`
}

// PredictResponse is the classification result. Label and Probabilities
// are only filled when the caller asks for ?verbose=true.
type PredictResponse struct {
	Text           string    `json:"text"`
	PredictedLabel int       `json:"predicted_label"`
	Confidence     float64   `json:"confidence"`
	Label          string    `json:"label,omitempty"`
	Probabilities  []float64 `json:"probabilities,omitempty"`
	Tokens         int       `json:"tokens,omitempty"`
	Truncated      bool      `json:"truncated,omitempty"`
}

func newPredictResponse(p *inference.Prediction, verbose bool) PredictResponse {
	resp := PredictResponse{
		Text:           p.Text,
		PredictedLabel: p.Label,
		Confidence:     p.Confidence,
	}
	if verbose {
		resp.Label = p.LabelName
		resp.Probabilities = p.Probabilities
		resp.Tokens = p.Tokens
		resp.Truncated = p.Truncated
	}
	return resp
}

type BatchItem struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

type BatchRequest struct {
	Items []BatchItem `json:"items"`
}

type BatchItemResult struct {
	ID             string   `json:"id,omitempty"`
	Text           string   `json:"text"`
	PredictedLabel *int     `json:"predicted_label,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Label          string   `json:"label,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type BatchResponse struct {
	Results []BatchItemResult `json:"results"`
	Failed  int               `json:"failed"`
}

type TokenizeRequest struct {
	Text string `json:"text"`
}

type TokenizeResponse struct {
	Text          string   `json:"text"`
	InputIDs      []int64  `json:"input_ids"`
	Tokens        []string `json:"tokens"`
	AttentionMask []int64  `json:"attention_mask"`
	Truncated     bool     `json:"truncated"`
	MaxLength     int      `json:"max_length"`
}

type FeedbackRequest struct {
	Text           string  `json:"text"`
	PredictedLabel *int    `json:"predicted_label"`
	Confidence     float64 `json:"confidence"`
	Comment        string  `json:"comment,omitempty"`
}

type FeedbackResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type ComponentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type MemoryStatus struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	ProcessRSS     uint64  `json:"process_rss_bytes,omitempty"`
}

type HealthResponse struct {
	Status     string                     `json:"status"`
	State      string                     `json:"state"`
	Since      time.Time                  `json:"since"`
	Components map[string]ComponentStatus `json:"components"`
	Memory     *MemoryStatus              `json:"memory,omitempty"`
	Latency    string                     `json:"inference_latency,omitempty"`
}

type ModelResponse struct {
	State string               `json:"state"`
	Model *inference.ModelInfo `json:"model,omitempty"`
}
