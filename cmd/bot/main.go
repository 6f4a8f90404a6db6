// Command bot creates an agent over REST, steps it through a random scene and prints what the
// lab broadcasts on /v1/ws.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"worldlab.ai/internal/protocol"
)

func main() {
	var (
		base     = flag.String("url", "http://localhost:8000", "lab base url")
		wsURL    = flag.String("ws", "ws://localhost:8000/v1/ws", "ws url")
		name     = flag.String("name", "bot", "agent name")
		interval = flag.Duration("interval", 100*time.Millisecond, "step interval")
		trainN   = flag.Int("train_every", 50, "train every N steps (0 = never)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go watch(conn, logger)

	client := &http.Client{Timeout: 10 * time.Second}
	var st protocol.AgentState
	if err := postJSON(client, *base+"/api/agents", protocol.CreateAgentRequest{Name: *name, Goal: "explore"}, &st); err != nil {
		logger.Fatalf("create agent: %v", err)
	}
	logger.Printf("created agent %s", st.ID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	tick := time.NewTicker(*interval)
	defer tick.Stop()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	world := randomWorld(r, 6)
	for step := 1; ; step++ {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		raw, _ := json.Marshal(world)
		var resp protocol.StepResponse
		req := protocol.StepRequest{WorldState: raw, Done: step%100 == 0}
		if err := postJSON(client, fmt.Sprintf("%s/api/agents/%s/step", *base, st.ID), req, &resp); err != nil {
			logger.Printf("step: %v", err)
			continue
		}
		if req.Done {
			world = randomWorld(r, 6)
		}
		if *trainN > 0 && step%*trainN == 0 {
			var tr protocol.TrainResponse
			if err := postJSON(client, fmt.Sprintf("%s/api/agents/%s/train", *base, st.ID), nil, &tr); err != nil {
				logger.Printf("train: %v", err)
			}
		}
	}
}

func watch(conn *websocket.Conn, logger *log.Logger) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeTrainingUpdate:
			var m protocol.TrainingUpdateMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			logger.Printf("TRAIN agent=%s steps=%d loss=%.4f avg_episode_reward=%.3f",
				m.AgentID, m.Stats.TrainingSteps, m.Metrics.Loss, m.Stats.AvgEpisodeReward)
		case protocol.TypeEpisodeStarted, protocol.TypeEpisodeEnded:
			var m protocol.EpisodeMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			logger.Printf("%s id=%s frames=%d", m.Type, m.EpisodeID, m.Frames)
		case protocol.TypeAgentRemoved:
			var m protocol.AgentRemovedMsg
			if err := json.Unmarshal(msg, &m); err != nil {
				continue
			}
			logger.Printf("REMOVED agent=%s", m.AgentID)
		}
	}
}

func randomWorld(r *rand.Rand, n int) protocol.WorldSnapshot {
	kinds := []string{"tree", "rock", "water"}
	ws := protocol.WorldSnapshot{Objects: make([]protocol.SceneObject, 0, n)}
	for i := 0; i < n; i++ {
		pos := [3]float32{float32(r.Intn(21) - 10), 0, float32(r.Intn(21) - 10)}
		ws.Objects = append(ws.Objects, protocol.SceneObject{
			ID:       fmt.Sprintf("obj-%d", i),
			Type:     kinds[r.Intn(len(kinds))],
			Position: &pos,
		})
	}
	return ws
}

func postJSON(c *http.Client, url string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	resp, err := c.Post(url, "application/json", &body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var eb protocol.ErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return fmt.Errorf("%s: %d %s %s", url, resp.StatusCode, eb.Error.Code, eb.Error.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
