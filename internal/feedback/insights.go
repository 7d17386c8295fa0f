package feedback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/Ranack/twit-sentiments/internal/version"
)

// DefaultInsightsURL is the public Application Insights ingestion endpoint.
const DefaultInsightsURL = "https://dc.services.visualstudio.com/v2/track"

// severityWarning is the Application Insights level for warnings.
const severityWarning = 3

// InsightsSink posts reports to Azure Application Insights as MessageData
// telemetry.
type InsightsSink struct {
	url    string
	iKey   string
	client *http.Client
}

func NewInsightsSink(url, instrumentationKey string, timeout time.Duration) (*InsightsSink, error) {
	if strings.TrimSpace(instrumentationKey) == "" {
		return nil, fmt.Errorf("insights sink: instrumentation key is required")
	}
	if url == "" {
		url = DefaultInsightsURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InsightsSink{url: url, iKey: instrumentationKey, client: &http.Client{Timeout: timeout}}, nil
}

type envelope struct {
	IKey string       `json:"iKey"`
	Name string       `json:"name"`
	Time string       `json:"time"`
	Data envelopeData `json:"data"`
}

type envelopeData struct {
	BaseType string      `json:"baseType"`
	BaseData messageData `json:"baseData"`
}

type messageData struct {
	Ver           int               `json:"ver"`
	Message       string            `json:"message"`
	SeverityLevel int               `json:"severityLevel"`
	Properties    map[string]string `json:"properties,omitempty"`
}

func (s *InsightsSink) envelope(r Report) envelope {
	props := map[string]string{
		"report_id":       r.ID.String(),
		"predicted_label": fmt.Sprint(r.PredictedLabel),
		"confidence":      fmt.Sprintf("%.6f", r.Confidence),
	}
	if r.Comment != "" {
		props["comment"] = r.Comment
	}
	if r.RequestID != "" {
		props["request_id"] = r.RequestID
	}
	return envelope{
		IKey: s.iKey,
		Name: "Microsoft.ApplicationInsights.Message",
		Time: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		Data: envelopeData{
			BaseType: "MessageData",
			BaseData: messageData{
				Ver:           2,
				Message:       r.Message(),
				SeverityLevel: severityWarning,
				Properties:    props,
			},
		},
	}
}

func (s *InsightsSink) Record(ctx context.Context, r Report) error {
	body, err := json.Marshal(s.envelope(r))
	if err != nil {
		return fmt.Errorf("insights sink: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("insights sink: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("insights sink: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("insights sink: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *InsightsSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
