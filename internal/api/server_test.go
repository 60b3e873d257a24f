package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"game_mas/internal/app"
	"game_mas/internal/config"
	"game_mas/internal/domain"
	"game_mas/internal/fs"
	"game_mas/internal/messaging/inproc"
)

type testServer struct {
	URL    string
	client *http.Client
}

func serve(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), client: &http.Client{Timeout: 10 * time.Second}}
}

func newAppServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = config.StoreMemory
	cfg.Export.Root = t.TempDir()
	cfg.Analysis.Seed = 1
	a, err := app.Build(context.Background(), cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.Wait()
		_ = a.Close()
	})
	return serve(t, Config{Service: a, BasePath: "/v1", Auth: auth})
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	body := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	return body.Error.Code
}

func realtimeBody(completion float64, success bool) map[string]any {
	return map[string]any{
		"type": "analyze_realtime",
		"payload": map[string]any{
			"completion_time": completion,
			"attempts":        1,
			"success":         success,
		},
	}
}

func TestHealthAndAgents(t *testing.T) {
	srv := newAppServer(t, AuthConfig{})

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[map[string]string](t, data); got["status"] != "ok" {
		t.Fatalf("health body=%s", string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents status %d: %s", res.StatusCode, string(data))
	}
	list := decode[AgentList](t, data)
	if len(list.Agents) != 4 {
		t.Fatalf("agents=%d want 4: %s", len(list.Agents), string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents/environment-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get agent status %d: %s", res.StatusCode, string(data))
	}
	rec := decode[domain.AgentRecord](t, data)
	if rec.Kind != domain.AgentKindEnvironment || rec.Status != domain.AgentStatusIdle {
		t.Fatalf("agent=%+v", rec)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents/ghost", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "agent_not_found" {
		t.Fatalf("unknown agent status %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitAnalysisHistoryAndExport(t *testing.T) {
	srv := newAppServer(t, AuthConfig{})
	tasksURL := srv.URL + "/v1/agents/balancer-1/tasks"

	for i := 0; i < 9; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, tasksURL, realtimeBody(50, i >= 7), nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %d status %d: %s", i, res.StatusCode, string(data))
		}
		if got := decode[domain.Result](t, data); got.Status != domain.ResultStatusPending {
			t.Fatalf("submit %d result=%s", i, string(data))
		}
	}

	headers := map[string]string{"Idempotency-Key": "window-1"}
	res, data := doJSON(t, srv.client, http.MethodPost, tasksURL, realtimeBody(50, true), headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tenth submit status %d: %s", res.StatusCode, string(data))
	}
	first := decode[domain.Result](t, data)
	if first.Status != domain.ResultStatusCompleted || first.Analysis == nil || len(first.Suggestions) == 0 {
		t.Fatalf("tenth result=%s", string(data))
	}

	res, replayed := doJSON(t, srv.client, http.MethodPost, tasksURL, realtimeBody(50, true), headers)
	if res.StatusCode != http.StatusOK || res.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatalf("replay status %d header=%q: %s", res.StatusCode, res.Header.Get("Idempotent-Replayed"), string(replayed))
	}
	if second := decode[domain.Result](t, replayed); second.Status != domain.ResultStatusCompleted || second.Analysis == nil {
		t.Fatalf("replayed result=%s", string(replayed))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents/balancer-1/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	hist := decode[HistoryResponse](t, data)
	if len(hist.Entries) != 1 || hist.Entries[0].Analysis.SampleSize != 10 {
		t.Fatalf("history=%s", string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents/balancer-1/decisions?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decisions status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[DecisionsResponse](t, data); len(got.Decisions) != 1 {
		t.Fatalf("decisions=%s", string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/agents/balancer-1/history/export", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[ExportResponse](t, data); !strings.HasPrefix(got.Path, "balancer-1/history-") {
		t.Fatalf("export=%s", string(data))
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newAppServer(t, AuthConfig{})

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/agents/balancer-1/tasks", map[string]any{"type": "  "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank type status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/agents/balancer-1/tasks", map[string]any{"payload": map[string]any{}}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/agents/ghost/tasks", realtimeBody(1, true), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent status %d: %s", res.StatusCode, string(data))
	}

	// Task-level failures are results, not HTTP errors.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/agents/balancer-1/tasks", map[string]any{"type": "teleport"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unknown kind status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Result](t, data); got.Status != domain.ResultStatusFailed || got.ErrorKind != domain.ErrorKindUnknownTaskKind {
		t.Fatalf("unknown kind result=%s", string(data))
	}
}

type stubService struct {
	submitErr error
	exportErr error
}

func (s stubService) Agents() []domain.AgentRecord { return nil }
func (s stubService) Agent(id string) (domain.AgentRecord, error) {
	return domain.AgentRecord{ID: id, Kind: domain.AgentKindBalancer, Status: domain.AgentStatusIdle}, nil
}
func (s stubService) Submit(context.Context, string, domain.Task) (domain.Result, error) {
	return domain.Result{}, s.submitErr
}
func (s stubService) History(context.Context, string) ([]domain.AdjustmentEntry, error) {
	return nil, nil
}
func (s stubService) Decisions(context.Context, string, int) ([]domain.DecisionLog, error) {
	return nil, nil
}
func (s stubService) ExportHistory(context.Context, string) (string, error) {
	return "", s.exportErr
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		svc        stubService
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "queue full",
			svc:        stubService{submitErr: fmt.Errorf("publish: %w", inproc.ErrAgentQueueFull)},
			method:     http.MethodPost,
			path:       "/v1/agents/balancer-1/tasks",
			body:       realtimeBody(1, true),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "queue_full",
		},
		{
			name:       "timeout",
			svc:        stubService{submitErr: context.DeadlineExceeded},
			method:     http.MethodPost,
			path:       "/v1/agents/balancer-1/tasks",
			body:       realtimeBody(1, true),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "timeout",
		},
		{
			name:       "export forbidden",
			svc:        stubService{exportErr: fmt.Errorf("%w: no matching allow rule", fs.ErrForbiddenFileOperation)},
			method:     http.MethodPost,
			path:       "/v1/agents/balancer-1/history/export",
			wantStatus: http.StatusForbidden,
			wantCode:   "forbidden",
		},
		{
			name:       "internal",
			svc:        stubService{exportErr: io.ErrUnexpectedEOF},
			method:     http.MethodPost,
			path:       "/v1/agents/balancer-1/history/export",
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := serve(t, Config{Service: tc.svc})
			res, data := doJSON(t, srv.client, tc.method, srv.URL+tc.path, tc.body, nil)
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("status %d want %d: %s", res.StatusCode, tc.wantStatus, string(data))
			}
			if code := errorCode(t, data); code != tc.wantCode {
				t.Fatalf("code=%q want %q", code, tc.wantCode)
			}
		})
	}
}

type slowService struct {
	stubService
	calls atomic.Int32
}

func (s *slowService) Submit(context.Context, string, domain.Task) (domain.Result, error) {
	n := s.calls.Add(1)
	time.Sleep(100 * time.Millisecond)
	return domain.Result{Status: domain.ResultStatusPending, Message: fmt.Sprintf("call %d", n)}, nil
}

func TestConcurrentSubmitsShareIdempotencyKey(t *testing.T) {
	svc := &slowService{}
	srv := serve(t, Config{Service: svc})
	url := srv.URL + "/v1/agents/balancer-1/tasks"

	const callers = 4
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	replays := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(realtimeBody(10, true))
			req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "k1")
			res, err := srv.client.Do(req)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			defer res.Body.Close()
			var out domain.Result
			if res.StatusCode != http.StatusOK || json.NewDecoder(res.Body).Decode(&out) != nil {
				t.Errorf("caller %d status %d", i, res.StatusCode)
				return
			}
			bodies[i] = out.Message
			replays[i] = res.Header.Get("Idempotent-Replayed")
		}(i)
	}
	wg.Wait()

	if got := svc.calls.Load(); got != 1 {
		t.Fatalf("submit calls=%d want 1", got)
	}
	fresh := 0
	for i := range bodies {
		if bodies[i] != "call 1" {
			t.Fatalf("caller %d got %q want the first result", i, bodies[i])
		}
		if replays[i] != "true" {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("fresh responses=%d want exactly 1 (headers %q)", fresh, replays)
	}

	res, data := doJSON(t, srv.client, http.MethodPost, url, realtimeBody(10, true), map[string]string{"Idempotency-Key": "k2"})
	if res.StatusCode != http.StatusOK || decode[domain.Result](t, data).Message != "call 2" {
		t.Fatalf("distinct key should submit again: %d %s", res.StatusCode, string(data))
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTAuth(t *testing.T) {
	srv := serve(t, Config{Service: stubService{}, Auth: AuthConfig{JWTSecret: "s3cret", Logger: log.New(io.Discard, "", 0)}})

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d: %s", res.StatusCode, string(data))
	}

	tests := []struct {
		name       string
		authz      string
		wantStatus int
	}{
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", authz: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", authz: "Bearer " + signToken(t, "other", "ops"), wantStatus: http.StatusUnauthorized},
		{name: "no subject", authz: "Bearer " + signToken(t, "s3cret", ""), wantStatus: http.StatusUnauthorized},
		{name: "valid", authz: "bearer " + signToken(t, "s3cret", "ops"), wantStatus: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.authz != "" {
				headers["Authorization"] = tc.authz
			}
			res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/agents/balancer-1", nil, headers)
			if res.StatusCode != tc.wantStatus {
				t.Fatalf("status %d want %d: %s", res.StatusCode, tc.wantStatus, string(data))
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("bearerToken=%q ok=%v", tok, ok)
	}
	if _, ok := bearerToken("Bearer a b"); ok {
		t.Fatalf("extra fields should be rejected")
	}
}
