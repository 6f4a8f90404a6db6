// Command simrun drives a lab headlessly from a scene file: it steps every agent, trains on a
// schedule and optionally records the run as an episode.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"worldlab.ai/internal/protocol"
	"worldlab.ai/internal/sim/agent"
	"worldlab.ai/internal/sim/lab"
	"worldlab.ai/internal/sim/tuning"
)

func main() {
	var (
		scenePath  = flag.String("scene", "./configs/scene.yaml", "scene yaml path")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning yaml path")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Uint64("seed", 1, "deterministic seed (0 = random)")
		checkpoint = flag.Bool("checkpoint", true, "save a checkpoint per trained agent at the end")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[simrun] ", log.LstdFlags|log.Lmicroseconds)

	scene, err := LoadScene(*scenePath)
	if err != nil {
		logger.Fatalf("load scene: %v", err)
	}
	tune, err := tuning.Load(*tuningPath)
	if errors.Is(err, os.ErrNotExist) {
		tune, err = tuning.Defaults(), nil
	}
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}

	l, err := lab.Open(lab.Options{DataDir: *dataDir, Tuning: tune, Seed: *seed, Logger: logger})
	if err != nil {
		logger.Fatalf("open lab: %v", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			logger.Printf("close lab: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := Run(ctx, l, scene, logger)
	if err != nil {
		logger.Printf("run: %v", err)
	}
	for _, id := range rep.Trained {
		if !*checkpoint {
			break
		}
		path, err := l.SaveCheckpoint(id)
		if err != nil {
			logger.Printf("checkpoint %s: %v", id, err)
			continue
		}
		logger.Printf("checkpoint %s -> %s", id, path)
	}
	logger.Printf("done ticks=%d steps=%d updates=%d episode=%s", rep.Ticks, rep.Steps, rep.Updates, rep.EpisodeID)
}

type Report struct {
	Ticks     int
	Steps     int
	Updates   int
	EpisodeID string
	// Trained lists agents that have a trainer, in creation order.
	Trained []string
}

// Run creates the scene's agents and steps them for scene.Ticks ticks or until ctx is done.
func Run(ctx context.Context, l *lab.Lab, scene Scene, logger *log.Logger) (Report, error) {
	var rep Report
	ws, worldRaw, err := scene.World()
	if err != nil {
		return rep, err
	}

	ids := make([]string, 0, len(scene.Agents))
	for _, a := range scene.Agents {
		st, err := l.CreateAgent(protocol.CreateAgentRequest{
			Name:      a.Name,
			Goal:      a.Goal,
			Position:  a.Position,
			Heuristic: a.Heuristic,
		})
		if err != nil {
			return rep, err
		}
		ids = append(ids, st.ID)
		if !a.Heuristic {
			rep.Trained = append(rep.Trained, st.ID)
		}
	}

	if scene.Record {
		rep.EpisodeID = l.StartEpisode(protocol.StartEpisodeRequest{
			Name:     scene.Name,
			Metadata: map[string]any{"ticks": scene.Ticks, "agents": len(ids)},
		})
	}

	for tick := 1; tick <= scene.Ticks; tick++ {
		if err := ctx.Err(); err != nil {
			break
		}
		done := scene.EpisodeTicks > 0 && tick%scene.EpisodeTicks == 0
		for _, id := range ids {
			if _, err := l.Step(id, ws, done); err != nil {
				return rep, err
			}
			rep.Steps++
		}
		rep.Ticks = tick

		if scene.Record {
			if err := l.CaptureFrame(float64(tick)*agent.DefaultDT, worldRaw, nil); err != nil {
				return rep, err
			}
		}
		if scene.TrainEvery > 0 && tick%scene.TrainEvery == 0 {
			for _, id := range rep.Trained {
				resp, err := l.Train(id)
				if err != nil {
					return rep, err
				}
				if resp.Skipped {
					continue
				}
				rep.Updates++
				logger.Printf("tick=%d agent=%s loss=%.4f mean_return=%.4f avg_episode_reward=%.3f",
					tick, id, resp.Metrics.Loss, resp.Metrics.MeanReturn, resp.Stats.AvgEpisodeReward)
			}
		}
	}

	if scene.Record {
		sum, err := l.EndEpisode()
		if err != nil {
			return rep, err
		}
		logger.Printf("episode %s saved frames=%d", sum.ID, sum.NumFrames)
	}
	return rep, nil
}
