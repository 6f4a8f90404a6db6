package api

import (
	"fmt"
	"net/http"

	"worldlab.ai/internal/sim/lab"
	"worldlab.ai/internal/transport/ws"
)

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MetricsHandler serves a minimal Prometheus text exposition of lab and hub counters.
func MetricsHandler(l *lab.Lab, hub *ws.Hub) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := l.Metrics()

		fmt.Fprintf(rw, "# HELP worldlab_agents Current number of agents.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_agents gauge\n")
		fmt.Fprintf(rw, "worldlab_agents %d\n", m.Agents)

		fmt.Fprintf(rw, "# HELP worldlab_trainers Current number of agents with a trainer.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_trainers gauge\n")
		fmt.Fprintf(rw, "worldlab_trainers %d\n", m.Trainers)

		fmt.Fprintf(rw, "# HELP worldlab_recording Whether an episode is being recorded.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_recording gauge\n")
		fmt.Fprintf(rw, "worldlab_recording %d\n", boolGauge(m.Recording))

		fmt.Fprintf(rw, "# HELP worldlab_episode_frames Frames in the episode being recorded.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_episode_frames gauge\n")
		fmt.Fprintf(rw, "worldlab_episode_frames %d\n", m.EpisodeFrames)

		fmt.Fprintf(rw, "# HELP worldlab_steps_total Agent steps since start.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_steps_total counter\n")
		fmt.Fprintf(rw, "worldlab_steps_total %d\n", m.StepsTotal)

		fmt.Fprintf(rw, "# HELP worldlab_training_updates_total Trainer updates that ran.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_training_updates_total counter\n")
		fmt.Fprintf(rw, "worldlab_training_updates_total %d\n", m.UpdatesTotal)

		fmt.Fprintf(rw, "# HELP worldlab_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "worldlab_index_queue_depth %d\n", m.IndexQueueDepth)

		fmt.Fprintf(rw, "# HELP worldlab_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_index_dropped_total counter\n")
		fmt.Fprintf(rw, "worldlab_index_dropped_total %d\n", m.IndexDropsTotal)

		if hub == nil {
			return
		}
		hs := hub.Stats()
		fmt.Fprintf(rw, "# HELP worldlab_ws_subscribers Connected broadcast subscribers.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_ws_subscribers gauge\n")
		fmt.Fprintf(rw, "worldlab_ws_subscribers %d\n", hs.Subscribers)

		fmt.Fprintf(rw, "# HELP worldlab_ws_sent_total Broadcast messages written to subscribers.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_ws_sent_total counter\n")
		fmt.Fprintf(rw, "worldlab_ws_sent_total %d\n", hs.SentTotal)

		fmt.Fprintf(rw, "# HELP worldlab_ws_pruned_total Subscribers dropped after a failed send.\n")
		fmt.Fprintf(rw, "# TYPE worldlab_ws_pruned_total counter\n")
		fmt.Fprintf(rw, "worldlab_ws_pruned_total %d\n", hs.PrunedTotal)
	}
}
