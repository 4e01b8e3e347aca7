package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/epirank/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useServer points every command at ts for the duration of the test.
func useServer(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func sentBody(t *testing.T, r recordedRequest) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v (body %q)", err, r.Body)
	}
	return body
}

var ctx = context.Background()

const stateJSON = `{"session_id":"sess-1","active":true,"current_step":0,"sequence_length":3,
"board":{"columnOrder":["rank-0","rank-1"],"ranks":{"rank-0":{"rank":1,"episodeItemIDs":["a"]},"rank-1":{"rank":2,"episodeItemIDs":[]}}}}`

func TestAPIClientPost(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /session/reset": stateJSON,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/session/reset", map[string]any{"experiment_id": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st sessionState
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.SessionID != "sess-1" || st.SequenceLength != 3 {
		t.Errorf("state = %+v, want sess-1 with 3 steps", st)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if body := sentBody(t, r); body["experiment_id"] != float64(1) {
		t.Errorf("body.experiment_id = %v, want 1", body["experiment_id"])
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"a submission is already in flight","type":"conflict"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}

	resp, err := client.post(ctx, "/submit", nil)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already in flight") {
		t.Errorf("error = %q, want status and server message", err.Error())
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	resp, err := ts.client().get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestSessionResetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /session/reset": stateJSON,
	})
	useServer(t, ts)

	if err := execute(t, "session", "reset", "7", "--strategy", "uncertainty"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	body := sentBody(t, ts.requests[0])
	if body["experiment_id"] != float64(7) {
		t.Errorf("experiment_id = %v, want 7", body["experiment_id"])
	}
	if body["sampling_strategy"] != "uncertainty" {
		t.Errorf("sampling_strategy = %v, want uncertainty", body["sampling_strategy"])
	}
}

func TestSessionResetCommand_InvalidID(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	for _, arg := range []string{"abc", "0", "-3"} {
		err := execute(t, "session", "reset", "--", arg)
		if err == nil {
			t.Errorf("reset %q: expected error", arg)
		}
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestSessionHistoryCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /sessions": `[{"id":"sess-2","experiment_id":1,"current_step":1,"sequence_length":3}]`,
	})
	useServer(t, ts)

	if err := execute(t, "session", "history", "--limit", "5"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := ts.requests[0].Path; got != "/sessions?limit=5" {
		t.Errorf("path = %q, want /sessions?limit=5", got)
	}
}

func TestSessionAdvanceCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /session/advance": `{"outcome":"has_next","state":` + stateJSON + `}`,
	})
	useServer(t, ts)

	if err := execute(t, "session", "advance"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ts.requests[0].Body != "" {
		t.Errorf("body = %q, want empty", ts.requests[0].Body)
	}
}

func TestBoardMoveCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /board/moves": `{"result":{"changed":true,"board":{"columnOrder":[],"ranks":{}}},"record":{"id":"rec-1"}}`,
	})
	useServer(t, ts)

	if err := execute(t, "board", "move", "Hopper-v4_trained_0_1000_9", "pool", "rank-1", "--to-index", "2"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	body := sentBody(t, ts.requests[0])
	if body["episode_id"] != "Hopper-v4_trained_0_1000_9" {
		t.Errorf("episode_id = %v", body["episode_id"])
	}
	if body["source_column"] != "pool" || body["dest_column"] != "rank-1" {
		t.Errorf("columns = %v -> %v, want pool -> rank-1", body["source_column"], body["dest_column"])
	}
	if body["dest_index"] != float64(2) {
		t.Errorf("dest_index = %v, want 2", body["dest_index"])
	}
	if body["is_new_from_pool"] != true {
		t.Errorf("is_new_from_pool = %v, want true", body["is_new_from_pool"])
	}
}

func TestBoardMoveCommand_MissingArgs(t *testing.T) {
	err := execute(t, "board", "move", "ep")
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "accepts 3 arg(s)") {
		t.Errorf("error = %q, want argument count error", err.Error())
	}
}

func TestMoveRequest_RankToRank(t *testing.T) {
	req := moveRequest("ep", "rank-2", "rank-0", 1, 0)
	if req["is_new_from_pool"] != false {
		t.Errorf("is_new_from_pool = %v, want false", req["is_new_from_pool"])
	}
	if req["source_index"] != 1 {
		t.Errorf("source_index = %v, want 1", req["source_index"])
	}
}

func TestFeedbackRateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /feedback": `{"id":"rec-1","feedback_type":"evaluative"}`,
	})
	useServer(t, ts)

	if err := execute(t, "feedback", "rate", "Hopper-v4_trained_0_1000_3", "7.5"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	body := sentBody(t, ts.requests[0])
	if body["feedback_type"] != "evaluative" {
		t.Errorf("feedback_type = %v, want evaluative", body["feedback_type"])
	}
	if body["score"] != 7.5 {
		t.Errorf("score = %v, want 7.5", body["score"])
	}
	ids, _ := body["episode_ids"].([]any)
	if len(ids) != 1 || ids[0] != "Hopper-v4_trained_0_1000_3" {
		t.Errorf("episode_ids = %v", body["episode_ids"])
	}
}

func TestFeedbackRateCommand_InvalidScore(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	err := execute(t, "feedback", "rate", "ep", "high")
	if err == nil || !strings.Contains(err.Error(), "invalid score") {
		t.Fatalf("err = %v, want invalid score", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestFeedbackTextCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /feedback/text": `{"status":"debounced","pending_edits":1}`,
	})
	useServer(t, ts)

	if err := execute(t, "feedback", "text", "Hopper-v4_trained_0_1000_3", "falls over early"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	body := sentBody(t, ts.requests[0])
	if body["text"] != "falls over early" {
		t.Errorf("text = %v", body["text"])
	}
}

func TestFeedbackSubmitCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	useServer(t, ts)

	err := execute(t, "feedback", "submit")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404 error", err)
	}
}

func TestCatalogRefreshFlag(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /experiments": `[{"id":1,"exp_name":"hopper"}]`,
	})
	useServer(t, ts)

	if err := execute(t, "catalog", "experiments", "--refresh"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := ts.requests[0].Path; got != "/experiments?refresh=true" {
		t.Errorf("path = %q, want /experiments?refresh=true", got)
	}
}

func TestEpisodeGetCommand_WritesFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/episodes/Hopper-v4_trained_0_1000_3/thumbnail" {
			w.WriteHeader(404)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpegbytes"))
	}))
	defer ts.Close()

	old := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}, nil
	}
	defer func() { newAPIClient = old }()

	out := filepath.Join(t.TempDir(), "thumb.jpg")
	if err := execute(t, "episode", "get", "Hopper-v4_trained_0_1000_3", "thumbnail", "-o", out); err != nil {
		t.Fatalf("execute: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "jpegbytes" {
		t.Errorf("output = %q, want jpegbytes", data)
	}
}

func TestWriteBoard(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	var b boardView
	if err := json.Unmarshal([]byte(`{"columnOrder":["rank-0","rank-1"],"ranks":{
		"rank-0":{"rank":1,"episodeItemIDs":["a","b"]},
		"rank-1":{"rank":2,"episodeItemIDs":[]}}}`), &b); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	writeBoard(&buf, b)

	want := "#1 rank-0  a, b\n#2 rank-1  -\n"
	if buf.String() != want {
		t.Errorf("writeBoard = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	writeBoard(&buf, boardView{})
	if !strings.Contains(buf.String(), "empty") {
		t.Errorf("empty board output = %q", buf.String())
	}
}

func TestSessionLabel(t *testing.T) {
	tests := []struct {
		step, total int
		ended       bool
		want        string
	}{
		{0, 3, false, "s (step 1 of 3)"},
		{2, 3, false, "s (step 3 of 3)"},
		{3, 3, true, "s (ended after 3 steps)"},
	}
	for _, tt := range tests {
		got := sessionLabel("s", tt.step, tt.total, tt.ended)
		if got != tt.want {
			t.Errorf("sessionLabel(%d, %d, %v) = %q, want %q", tt.step, tt.total, tt.ended, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Provider.APIKey = "secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			found = true
		}
		if k.Value == "secret" {
			t.Errorf("ShowAll exposed secret key %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}
