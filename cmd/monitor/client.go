package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"game_mas/internal/api"
	"game_mas/internal/domain"
)

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(addr, basePath, token string) *client {
	return &client{
		baseURL: strings.TrimRight(addr, "/") + "/" + strings.Trim(basePath, "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) health() error {
	var out map[string]string
	if err := c.getJSON("/health", &out); err != nil {
		return err
	}
	if out["status"] != "ok" {
		return fmt.Errorf("unexpected health status %q", out["status"])
	}
	return nil
}

func (c *client) listAgents() ([]domain.AgentRecord, error) {
	var out api.AgentList
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	sort.Slice(out.Agents, func(i, j int) bool { return out.Agents[i].ID < out.Agents[j].ID })
	return out.Agents, nil
}

func (c *client) history(agentID string) ([]domain.AdjustmentEntry, error) {
	var out api.HistoryResponse
	if err := c.getJSON("/agents/"+url.PathEscape(agentID)+"/history", &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *client) decisions(agentID string, limit int) ([]domain.DecisionLog, error) {
	var out api.DecisionsResponse
	if err := c.getJSON(fmt.Sprintf("/agents/%s/decisions?limit=%d", url.PathEscape(agentID), limit), &out); err != nil {
		return nil, err
	}
	return out.Decisions, nil
}

func (c *client) submit(agentID string, req api.SubmitTaskRequest) (domain.Result, error) {
	var out domain.Result
	err := c.postJSON("/agents/"+url.PathEscape(agentID)+"/tasks", req, &out)
	return out, err
}

func (c *client) exportHistory(agentID string) (string, error) {
	var out api.ExportResponse
	if err := c.postJSON("/agents/"+url.PathEscape(agentID)+"/history/export", nil, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, errorMessage(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Code + ": " + envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// parseTaskInput turns a prompt line into a task request. The first word is
// the task type; the rest is either a JSON object or key=value pairs.
//
//	analyze_realtime completion_time=42 attempts=1 success=true
//	weather_system {"weather_type":"rainy"}
func parseTaskInput(line string) (api.SubmitTaskRequest, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return api.SubmitTaskRequest{}, errors.New("empty task")
	}
	taskType, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	req := api.SubmitTaskRequest{Type: taskType}
	if rest == "" {
		return req, nil
	}
	if strings.HasPrefix(rest, "{") {
		if err := json.Unmarshal([]byte(rest), &req.Payload); err != nil {
			return api.SubmitTaskRequest{}, fmt.Errorf("payload: %w", err)
		}
		return req, nil
	}
	req.Payload = map[string]any{}
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			return api.SubmitTaskRequest{}, fmt.Errorf("expected key=value, got %q", field)
		}
		req.Payload[key] = scalar(value)
	}
	return req, nil
}

func scalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func renderHistory(entries []domain.AdjustmentEntry) string {
	if len(entries) == 0 {
		return "No adjustments"
	}
	var b strings.Builder
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		b.WriteString(fmt.Sprintf(
			"[%s] samples=%d success=%.2f avg=%.1fs anomalies=%d\n",
			e.Timestamp.Local().Format("15:04:05"),
			e.Analysis.SampleSize,
			e.Analysis.SuccessRate,
			e.Analysis.AverageCompletionTime,
			len(e.Analysis.Anomalies),
		))
		for _, s := range e.Suggestions {
			b.WriteString("  - " + s + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Local().Format("15:04:05"),
			shortID(d.TaskID),
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderResult(res domain.Result) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("status=%s kind=%s\n", res.Status, res.Kind))
	if res.Message != "" {
		b.WriteString("message: " + res.Message + "\n")
	}
	if res.Error != "" {
		b.WriteString(fmt.Sprintf("[red]%s[-]: %s\n", res.ErrorKind, res.Error))
	}
	if res.Analysis != nil {
		b.WriteString(fmt.Sprintf("analysis: samples=%d success=%.2f avg=%.1fs anomalies=%d\n",
			res.Analysis.SampleSize, res.Analysis.SuccessRate, res.Analysis.AverageCompletionTime, len(res.Analysis.Anomalies)))
	}
	for _, s := range res.Suggestions {
		b.WriteString("  - " + s + "\n")
	}
	if res.Report != nil {
		b.WriteString(fmt.Sprintf("dataset: samples=%d completion=%.2f clusters=%v\n",
			res.Report.SampleSize, res.Report.CompletionRate, res.Report.DifficultyClusters))
	}
	if res.Weather != nil {
		b.WriteString(fmt.Sprintf("weather: %s at %s light=%.2f particles=%d\n",
			res.Weather.Weather, res.Weather.Time, res.Weather.Effects.LightIntensity, res.Weather.Effects.Particles))
	}
	if len(res.Output) > 0 {
		b.WriteString("output: " + trimLine(string(res.Output), 400) + "\n")
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if v == "" {
		return "-"
	}
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
