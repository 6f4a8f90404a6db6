package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"worldlab.ai/internal/protocol"
	"worldlab.ai/internal/sim/lab"
	"worldlab.ai/internal/sim/tuning"
	"worldlab.ai/internal/transport/ws"
)

func newTestMux(t *testing.T) (*http.ServeMux, *lab.Lab) {
	t.Helper()
	tune := tuning.Defaults()
	tune.Trainer.Hidden = 8
	logger := log.New(io.Discard, "", 0)
	l, err := lab.Open(lab.Options{DataDir: t.TempDir(), Tuning: tune, Seed: 7, Logger: logger})
	if err != nil {
		t.Fatalf("lab.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	mux := http.NewServeMux()
	NewServer(l, logger).Register(mux)
	return mux, l
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:50000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[protocol.ErrorBody](t, rr).Error.Code
}

func createAgent(t *testing.T, mux http.Handler, body string) protocol.AgentState {
	t.Helper()
	rr := do(t, mux, http.MethodPost, "/api/agents", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	return decodeBody[protocol.AgentState](t, rr)
}

const world = `{"world_state":{"objects":[{"id":"tree","type":"tree","position":[1,0,1]}]}}`

func TestAPI_AgentLifecycle(t *testing.T) {
	mux, _ := newTestMux(t)

	st := createAgent(t, mux, `{"name":"ada","goal":"explore","position":[1,0,2]}`)
	if st.ID == "" || st.Name != "ada" {
		t.Fatalf("state=%+v", st)
	}
	if st.Position != [3]float32{1, 0, 2} {
		t.Fatalf("position=%v want [1 0 2]", st.Position)
	}

	rr := do(t, mux, http.MethodGet, "/api/agents", "")
	if got := decodeBody[[]protocol.AgentState](t, rr); len(got) != 1 {
		t.Fatalf("agents=%d want 1", len(got))
	}

	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/step", world)
	if rr.Code != http.StatusOK {
		t.Fatalf("step status=%d body=%s", rr.Code, rr.Body.String())
	}
	step := decodeBody[protocol.StepResponse](t, rr)
	if step.AgentState.ID != st.ID || step.Action.Type == "" {
		t.Fatalf("step=%+v", step)
	}

	rr = do(t, mux, http.MethodGet, "/api/agents/"+st.ID+"/stats", "")
	stats := decodeBody[lab.AgentStats](t, rr)
	if stats.Agent.Steps != 1 || stats.Trainer == nil || stats.Trainer.BufferSize != 1 {
		t.Fatalf("stats=%+v", stats)
	}

	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/reset", `{"position":[0,0,0]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status=%d", rr.Code)
	}
	if got := decodeBody[protocol.AgentState](t, rr); got.Position != [3]float32{} {
		t.Fatalf("reset position=%v", got.Position)
	}

	if rr := do(t, mux, http.MethodDelete, "/api/agents/"+st.ID, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rr.Code)
	}
	rr = do(t, mux, http.MethodGet, "/api/agents/"+st.ID, "")
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != protocol.ErrNotFound {
		t.Fatalf("get deleted status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPI_BadRequests(t *testing.T) {
	mux, _ := newTestMux(t)
	for _, tc := range []struct {
		name, method, path, body string
		status                   int
		code                     string
	}{
		{"missing name", http.MethodPost, "/api/agents", `{"goal":"x"}`, http.StatusBadRequest, protocol.ErrBadRequest},
		{"bad json", http.MethodPost, "/api/agents", `{`, http.StatusBadRequest, protocol.ErrBadRequest},
		{"unknown agent", http.MethodPost, "/api/agents/nope/step", world, http.StatusNotFound, protocol.ErrNotFound},
		{"log idle", http.MethodPost, "/api/episodes/log", `{"timestamp":1}`, http.StatusConflict, protocol.ErrInvalidState},
		{"end idle", http.MethodPost, "/api/episodes/end", "", http.StatusConflict, protocol.ErrInvalidState},
		{"missing episode", http.MethodGet, "/api/episodes/nope", "", http.StatusNotFound, protocol.ErrNotFound},
		{"bad frames range", http.MethodGet, "/api/episodes/x/frames?start=a", "", http.StatusBadRequest, protocol.ErrBadRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, mux, tc.method, tc.path, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.status, rr.Body.String())
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("code=%q want %q", got, tc.code)
			}
		})
	}
}

func TestAPI_StepRejectsInvalidWorld(t *testing.T) {
	mux, _ := newTestMux(t)
	st := createAgent(t, mux, `{"name":"b"}`)
	rr := do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/step", `{"world_state":{"objects":"nope"}}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d want 400 body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPI_TrainAndHistory(t *testing.T) {
	mux, l := newTestMux(t)
	st := createAgent(t, mux, `{"name":"c"}`)

	rr := do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/train", "")
	if got := decodeBody[protocol.TrainResponse](t, rr); !got.Skipped {
		t.Fatalf("train on empty buffer not skipped: %+v", got)
	}
	for i := 0; i < l.Tuning().Trainer.MinBatch; i++ {
		body := world
		if i == l.Tuning().Trainer.MinBatch-1 {
			body = `{"world_state":{"objects":[]},"done":true}`
		}
		if rr := do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/step", body); rr.Code != http.StatusOK {
			t.Fatalf("step %d status=%d", i, rr.Code)
		}
	}
	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/train", "")
	got := decodeBody[protocol.TrainResponse](t, rr)
	if got.Skipped || got.Stats.TrainingSteps != 1 || got.Stats.BufferSize != 0 {
		t.Fatalf("train=%+v", got)
	}

	if err := l.SyncIndex(context.Background()); err != nil {
		t.Fatalf("SyncIndex: %v", err)
	}
	rr = do(t, mux, http.MethodGet, "/api/agents/"+st.ID+"/history", "")
	var hist struct {
		AgentID string            `json:"agent_id"`
		Updates []json.RawMessage `json:"updates"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &hist); err != nil {
		t.Fatalf("history: %v", err)
	}
	if hist.AgentID != st.ID || len(hist.Updates) != 1 {
		t.Fatalf("history=%+v", hist)
	}

	heur := createAgent(t, mux, `{"name":"h","heuristic":true}`)
	rr = do(t, mux, http.MethodPost, "/api/agents/"+heur.ID+"/train", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("heuristic train status=%d want 409", rr.Code)
	}
}

func TestAPI_CheckpointLoopbackOnly(t *testing.T) {
	mux, _ := newTestMux(t)
	st := createAgent(t, mux, `{"name":"d"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/agents/"+st.ID+"/checkpoint", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d want 403", rr.Code)
	}

	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/checkpoint/load", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("load before save status=%d want 409 body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/checkpoint", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("save status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(t, mux, http.MethodPost, "/api/agents/"+st.ID+"/checkpoint/load", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPI_EpisodeLifecycle(t *testing.T) {
	mux, _ := newTestMux(t)

	rr := do(t, mux, http.MethodPost, "/api/episodes/start", `{"name":"run","metadata":{"seed":1}}`)
	started := decodeBody[map[string]string](t, rr)
	id := started["episode_id"]
	if id == "" {
		t.Fatalf("start=%v", started)
	}
	for i := 0; i < 4; i++ {
		body := fmt.Sprintf(`{"timestamp":%d,"agents_state":[{"id":"a"}],"world_state":{"objects":[]}}`, i)
		if rr := do(t, mux, http.MethodPost, "/api/episodes/log", body); rr.Code != http.StatusOK {
			t.Fatalf("log %d status=%d body=%s", i, rr.Code, rr.Body.String())
		}
	}
	rr = do(t, mux, http.MethodPost, "/api/episodes/end", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("end status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = do(t, mux, http.MethodGet, "/api/episodes", "")
	var list struct {
		Episodes []struct {
			ID        string `json:"episode_id"`
			NumFrames int    `json:"num_frames"`
		} `json:"episodes"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Episodes) != 1 || list.Episodes[0].ID != id || list.Episodes[0].NumFrames != 4 {
		t.Fatalf("list=%+v", list)
	}

	rr = do(t, mux, http.MethodGet, "/api/episodes/"+id, "")
	if err := protocol.Validate(protocol.SchemaEpisode, rr.Body.Bytes()); err != nil {
		t.Fatalf("episode document invalid: %v", err)
	}

	rr = do(t, mux, http.MethodGet, "/api/episodes/"+id+"/frames?start=1&end=3", "")
	var frames struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &frames); err != nil {
		t.Fatalf("frames: %v", err)
	}
	if frames.Count != 2 {
		t.Fatalf("frames count=%d want 2", frames.Count)
	}
	rr = do(t, mux, http.MethodGet, "/api/episodes/"+id+"/frames?start=-1", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &frames); err != nil {
		t.Fatalf("frames: %v", err)
	}
	if frames.Count != 1 {
		t.Fatalf("last frame count=%d want 1", frames.Count)
	}

	if rr := do(t, mux, http.MethodDelete, "/api/episodes/"+id, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rr.Code)
	}
	if rr := do(t, mux, http.MethodGet, "/api/episodes/"+id, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete status=%d want 404", rr.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	mux, l := newTestMux(t)
	hub := ws.NewHub(log.New(io.Discard, "", 0), 4, 0)
	defer hub.Close()
	mux.Handle("GET /metrics", MetricsHandler(l, hub))
	createAgent(t, mux, `{"name":"m"}`)

	rr := do(t, mux, http.MethodGet, "/metrics", "")
	body := rr.Body.Bytes()
	for _, want := range []string{"worldlab_agents 1\n", "worldlab_trainers 1\n", "worldlab_recording 0\n", "worldlab_ws_subscribers 0\n"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:9000":     true,
		"10.0.0.2:80":    false,
		"not-an-address": false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", addr, got, want)
		}
	}
}
