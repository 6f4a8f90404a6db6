package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"worldlab.ai/internal/persistence/episode"
	persistlog "worldlab.ai/internal/persistence/log"
	"worldlab.ai/internal/protocol"
)

func main() {
	var (
		dataDir   = flag.String("data", "./data", "runtime data directory")
		episodeID = flag.String("episode", "", "episode id to inspect (empty = list episodes)")
		frames    = flag.Bool("frames", false, "print frames[start:end] as JSON lines")
		start     = flag.Int("start", 0, "first frame (inclusive; negative counts from the end)")
		end       = flag.String("end", "", "last frame (exclusive; negative counts from the end; empty = through the last)")
		validate  = flag.Bool("validate", false, "validate the episode document against its schema")
		steps     = flag.Bool("steps", false, "re-accumulate step logs and compare against logged totals")
	)
	flag.Parse()

	if *steps {
		n, err := verifySteps(filepath.Join(*dataDir, "logs"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay steps:", err)
			os.Exit(1)
		}
		fmt.Printf("replay ok: checked=%d steps\n", n)
		return
	}

	store, err := episode.OpenStore(filepath.Join(*dataDir, "episodes"), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open episodes:", err)
		os.Exit(1)
	}

	if *episodeID == "" {
		sums, err := store.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, "list episodes:", err)
			os.Exit(1)
		}
		for _, s := range sums {
			fmt.Printf("%s start=%s frames=%d duration=%.3fs\n", s.ID, s.StartTime.Format("2006-01-02T15:04:05Z07:00"), s.NumFrames, s.Duration)
		}
		fmt.Printf("%d episodes\n", len(sums))
		return
	}

	if *validate {
		raw, err := store.LoadRaw(*episodeID)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load episode:", err)
			os.Exit(1)
		}
		if err := protocol.Validate(protocol.SchemaEpisode, raw); err != nil {
			fmt.Fprintln(os.Stderr, "invalid episode:", err)
			os.Exit(1)
		}
	}

	ep, err := store.Load(*episodeID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load episode:", err)
		os.Exit(1)
	}
	sum := ep.Summary()
	fmt.Printf("episode %s frames=%d duration=%.3fs metadata=%v\n", sum.ID, sum.NumFrames, sum.Duration, sum.Metadata)
	if !*frames {
		return
	}
	stop := episode.ToEnd
	if strings.TrimSpace(*end) != "" {
		if stop, err = strconv.Atoi(strings.TrimSpace(*end)); err != nil {
			fmt.Fprintln(os.Stderr, "bad -end:", err)
			os.Exit(2)
		}
	}
	sel, err := store.Frames(*episodeID, *start, stop)
	if err != nil {
		fmt.Fprintln(os.Stderr, "frames:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, f := range sel {
		if err := enc.Encode(f); err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			os.Exit(1)
		}
	}
}

// verifySteps walks every step log in order and checks that each agent's logged total reward
// equals the sum of its per-step rewards since its last reset.
func verifySteps(logsDir string) (int, error) {
	files, err := persistlog.ListFiles(logsDir, persistlog.StepPrefix)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no step logs found in %s", logsDir)
	}
	totals := map[string]float64{}
	var checked int
	for _, path := range files {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var e persistlog.StepEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			if e.Step <= 1 {
				totals[e.AgentID] = 0
			}
			totals[e.AgentID] += e.Reward
			if got := totals[e.AgentID]; math.Abs(got-e.TotalReward) > 1e-6*math.Max(1, math.Abs(e.TotalReward)) {
				return fmt.Errorf("agent %s step %d: replayed total %.6f != logged %.6f", e.AgentID, e.Step, got, e.TotalReward)
			}
			checked++
			return nil
		})
		if err != nil {
			return checked, err
		}
	}
	return checked, nil
}
