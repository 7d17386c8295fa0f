package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/Ranack/twit-sentiments/internal/feedback"
	"github.com/Ranack/twit-sentiments/internal/inference"
)

const healthProbeText = "Health check: is the model answering?"

// handleHealth runs a dummy inference and reports the model, feedback
// sink and host memory.
func (s *Server) handleHealth(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	st := s.provider.Status()
	resp := HealthResponse{
		Status:     "healthy",
		State:      st.State.String(),
		Since:      st.Since,
		Components: map[string]ComponentStatus{},
		Memory:     memoryStatus(ctx),
	}

	start := s.clock()
	err := WithEngine(ctx, s.provider, func(engine inference.Engine) error {
		_, err := engine.Predict(ctx, healthProbeText)
		return err
	})
	if err != nil {
		resp.Status = "unhealthy"
		resp.Components["model"] = ComponentStatus{Status: "down", Detail: detailFor(err)}
	} else {
		resp.Components["model"] = ComponentStatus{Status: "up"}
		resp.Latency = s.clock().Sub(start).String()
	}
	// The state may have moved on while the probe ran.
	resp.State = s.provider.Status().State.String()
	resp.Components["feedback"] = s.feedbackStatus(ctx)
	if resp.Status == "healthy" && resp.Components["feedback"].Status != "up" {
		// Predictions still work; only reports are lost.
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
	}
	return respond(c, status, resp)
}

func memoryStatus(ctx context.Context) *MemoryStatus {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil
	}
	out := &MemoryStatus{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedPercent:    vm.UsedPercent,
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			out.ProcessRSS = mi.RSS
		}
	}
	return out
}

func (s *Server) feedbackStatus(ctx context.Context) ComponentStatus {
	name := sinkName(s.feedback)
	p, ok := s.feedback.(feedback.Pinger)
	if !ok {
		return ComponentStatus{Status: "up", Detail: name}
	}
	if err := p.Ping(ctx); err != nil {
		return ComponentStatus{Status: "down", Detail: name + ": " + err.Error()}
	}
	return ComponentStatus{Status: "up", Detail: name}
}

func sinkName(s feedback.Sink) string {
	switch s.(type) {
	case feedback.LogSink:
		return feedback.SinkLog
	case *feedback.InsightsSink:
		return feedback.SinkInsights
	case *feedback.PostgresSink:
		return feedback.SinkPostgres
	default:
		return "custom"
	}
}
