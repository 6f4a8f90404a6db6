// Package api is the REST surface over a lab.Lab.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"worldlab.ai/internal/learn"
	"worldlab.ai/internal/persistence/episode"
	"worldlab.ai/internal/protocol"
	"worldlab.ai/internal/sim/lab"
)

const maxBodyBytes = 8 << 20

type Server struct {
	lab *lab.Lab
	log *log.Logger
}

func NewServer(l *lab.Lab, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{lab: l, log: logger}
}

// Register mounts every route under /api on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.deleteAgent)
	mux.HandleFunc("GET /api/agents/{id}/stats", s.agentStats)
	mux.HandleFunc("POST /api/agents/{id}/step", s.stepAgent)
	mux.HandleFunc("POST /api/agents/{id}/train", s.trainAgent)
	mux.HandleFunc("POST /api/agents/{id}/reset", s.resetAgent)
	mux.HandleFunc("GET /api/agents/{id}/history", s.trainHistory)
	mux.HandleFunc("POST /api/agents/{id}/checkpoint", loopbackOnly(s.saveCheckpoint))
	mux.HandleFunc("POST /api/agents/{id}/checkpoint/load", loopbackOnly(s.loadCheckpoint))

	mux.HandleFunc("POST /api/episodes/start", s.startEpisode)
	mux.HandleFunc("POST /api/episodes/log", s.logFrame)
	mux.HandleFunc("POST /api/episodes/end", s.endEpisode)
	mux.HandleFunc("GET /api/episodes", s.listEpisodes)
	mux.HandleFunc("GET /api/episodes/{id}", s.getEpisode)
	mux.HandleFunc("GET /api/episodes/{id}/frames", s.episodeFrames)
	mux.HandleFunc("DELETE /api/episodes/{id}", s.deleteEpisode)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorBody{Error: protocol.ErrorDetail{Code: code, Message: msg}})
}

// fail maps domain errors onto HTTP statuses and error codes.
func (s *Server) fail(rw http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, lab.ErrAgentNotFound), errors.Is(err, episode.ErrNotFound):
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, err.Error())
	case errors.Is(err, episode.ErrNoActiveEpisode), errors.Is(err, lab.ErrNoTrainer), errors.Is(err, learn.ErrCheckpoint):
		writeError(rw, http.StatusConflict, protocol.ErrInvalidState, err.Error())
	case errors.Is(err, episode.ErrInvalidID), errors.Is(err, learn.ErrShape):
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
	default:
		s.log.Printf("%s: %v", op, err)
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, fmt.Sprintf("%s: %v", op, err))
	}
}

// decode reads an optional JSON body; an empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func (s *Server) createAgent(rw http.ResponseWriter, r *http.Request) {
	var req protocol.CreateAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "name is required")
		return
	}
	st, err := s.lab.CreateAgent(req)
	if err != nil {
		s.fail(rw, "create agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) listAgents(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.lab.ListAgents())
}

func (s *Server) getAgent(rw http.ResponseWriter, r *http.Request) {
	st, err := s.lab.Agent(r.PathValue("id"))
	if err != nil {
		s.fail(rw, "get agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) deleteAgent(rw http.ResponseWriter, r *http.Request) {
	if err := s.lab.DeleteAgent(r.PathValue("id")); err != nil {
		s.fail(rw, "delete agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"message": "agent deleted"})
}

func (s *Server) agentStats(rw http.ResponseWriter, r *http.Request) {
	st, err := s.lab.AgentStats(r.PathValue("id"))
	if err != nil {
		s.fail(rw, "agent stats", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) stepAgent(rw http.ResponseWriter, r *http.Request) {
	var req protocol.StepRequest
	if err := decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	ws, err := protocol.DecodeWorldSnapshot(req.WorldState)
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	resp, err := s.lab.Step(r.PathValue("id"), ws, req.Done)
	if err != nil {
		s.fail(rw, "step agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) trainAgent(rw http.ResponseWriter, r *http.Request) {
	resp, err := s.lab.Train(r.PathValue("id"))
	if err != nil {
		s.fail(rw, "train agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) resetAgent(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *[3]float32 `json:"position,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	st, err := s.lab.ResetAgent(r.PathValue("id"), req.Position)
	if err != nil {
		s.fail(rw, "reset agent", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) trainHistory(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.lab.Agent(id); err != nil {
		s.fail(rw, "train history", err)
		return
	}
	idx := s.lab.Index()
	if idx == nil {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrInvalidState, "index disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ups, err := idx.TrainUpdates(r.Context(), id, limit)
	if err != nil {
		s.fail(rw, "train history", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"agent_id": id, "updates": ups})
}

func (s *Server) saveCheckpoint(rw http.ResponseWriter, r *http.Request) {
	path, err := s.lab.SaveCheckpoint(r.PathValue("id"))
	if err != nil {
		s.fail(rw, "save checkpoint", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) loadCheckpoint(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.lab.LoadCheckpoint(id, ""); err != nil {
		s.fail(rw, "load checkpoint", err)
		return
	}
	st, err := s.lab.AgentStats(id)
	if err != nil {
		s.fail(rw, "load checkpoint", err)
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *Server) startEpisode(rw http.ResponseWriter, r *http.Request) {
	var req protocol.StartEpisodeRequest
	if err := decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	id := s.lab.StartEpisode(req)
	writeJSON(rw, http.StatusOK, map[string]string{"episode_id": id, "message": "episode recording started"})
}

func (s *Server) logFrame(rw http.ResponseWriter, r *http.Request) {
	var req protocol.LogFrameRequest
	if err := decode(r, &req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if err := s.lab.LogFrame(req); err != nil {
		s.fail(rw, "log frame", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"message": "frame logged"})
}

func (s *Server) endEpisode(rw http.ResponseWriter, r *http.Request) {
	sum, err := s.lab.EndEpisode()
	if err != nil {
		s.fail(rw, "end episode", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"message": "episode recording ended", "summary": sum})
}

func (s *Server) listEpisodes(rw http.ResponseWriter, r *http.Request) {
	eps, err := s.lab.Episodes().List()
	if err != nil {
		s.fail(rw, "list episodes", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"episodes": eps})
}

func (s *Server) getEpisode(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.lab.Episodes().LoadRaw(r.PathValue("id"))
	if err != nil {
		s.fail(rw, "get episode", err)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_, _ = rw.Write(raw)
}

func (s *Server) episodeFrames(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := 0, episode.ToEnd
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = strconv.Atoi(v); err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad start")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = strconv.Atoi(v); err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad end")
			return
		}
	}
	frames, err := s.lab.Episodes().Frames(r.PathValue("id"), start, end)
	if err != nil {
		s.fail(rw, "episode frames", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"frames": frames, "count": len(frames)})
}

func (s *Server) deleteEpisode(rw http.ResponseWriter, r *http.Request) {
	if err := s.lab.DeleteEpisode(r.PathValue("id")); err != nil {
		s.fail(rw, "delete episode", err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"message": "episode deleted"})
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			writeError(rw, http.StatusForbidden, protocol.ErrBadRequest, "forbidden")
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
