package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/linksage/internal/server/ui"
	"github.com/sanonone/linksage/pkg/checkpoint"
	"github.com/sanonone/linksage/pkg/core/types"
	"github.com/sanonone/linksage/pkg/pipeline"
	"github.com/sanonone/linksage/pkg/serving"
	"github.com/sanonone/linksage/pkg/train"
)

// maxBodyBytes bounds request bodies; every request body is a small JSON object.
const maxBodyBytes = 1 << 20

// registerHTTPHandlers sets up the REST routes.
func (s *Server) registerHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ui/", http.StripPrefix("/ui/", ui.GetHandler()))

	mux.HandleFunc("POST /v1/score", s.handleScore)
	mux.HandleFunc("GET /v1/recommend", s.handleRecommend)
	mux.HandleFunc("GET /v1/neighbors", s.handleNeighbors)
	mux.HandleFunc("GET /v1/graph/stats", s.handleStats)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/train", s.handleTrain)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /v1/model", s.handleModel)
	mux.HandleFunc("POST /v1/model", s.handleLoadModel)

	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeHTTPResponse(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"graph_ready": s.pipeline.Store().Current() != nil,
		"model_ready": s.pipeline.Serving().Model() != nil,
	})
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.A == "" || req.B == "" {
		writeHTTPError(w, http.StatusBadRequest, "node_a and node_b are required")
		return
	}
	a := s.pipeline.Resolve(req.A, types.Patient)
	b := s.pipeline.Resolve(req.B, types.Provider)

	score, err := s.pipeline.Serving().Score(r.Context(), a, b)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, ScoreResponse{A: a, B: b, Score: score, RunID: s.runID()})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	node := q.Get("node")
	if node == "" {
		writeHTTPError(w, http.StatusBadRequest, "node is required")
		return
	}
	k := serving.DefaultK
	if v := q.Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeHTTPError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}
	var target types.NodeType
	if v := q.Get("type"); v != "" {
		t, ok := types.ParseNodeType(v, "")
		if !ok {
			writeHTTPError(w, http.StatusBadRequest, fmt.Sprintf("unknown node type %q", v))
			return
		}
		target = t
	}

	id := s.pipeline.Resolve(node, types.Patient)
	recs, err := s.pipeline.Serving().Recommend(r.Context(), id, k, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []types.ScoredNode{}
	}
	writeHTTPResponse(w, http.StatusOK, RecommendResponse{Node: id, Results: recs, RunID: s.runID()})
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	node := q.Get("node")
	if node == "" {
		writeHTTPError(w, http.StatusBadRequest, "node is required")
		return
	}
	id := s.pipeline.Resolve(node, types.Patient)
	nbrs, err := s.pipeline.Serving().Neighbors(id, q["relation"]...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if nbrs == nil {
		nbrs = []types.NodeID{}
	}
	writeHTTPResponse(w, http.StatusOK, NeighborsResponse{Node: id, Neighbors: nbrs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Serving().Stats()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, st)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.Refresh(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, refreshResponse(res.Batches, res.Records, res.Report, res.Graph))
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req TrainRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if e := s.pipeline.Edges(); e == nil || e.Len() == 0 {
		writeServiceError(w, types.ErrEmptyGraph)
		return
	}
	task, err := s.taskManager.Start(func(ctx context.Context) (*train.Result, error) {
		return s.pipeline.Train(ctx, pipeline.TrainOptions{Resume: req.Resume})
	})
	if err != nil {
		writeHTTPError(w, http.StatusConflict, err.Error())
		return
	}
	writeHTTPResponse(w, http.StatusAccepted, task.View())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.taskManager.Get(r.PathValue("id"))
	if !ok {
		writeHTTPError(w, http.StatusNotFound, "task not found")
		return
	}
	writeHTTPResponse(w, http.StatusOK, task.View())
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	m := s.pipeline.Serving().Model()
	if m == nil {
		writeServiceError(w, serving.ErrNoModel)
		return
	}
	writeHTTPResponse(w, http.StatusOK, ModelResponse{RunID: m.RunID})
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	var req LoadModelRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	ck, err := s.pipeline.LoadModel(req.Path)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeHTTPResponse(w, http.StatusOK, ModelResponse{RunID: ck.RunID, Epoch: ck.Epoch})
}

func (s *Server) runID() string {
	if m := s.pipeline.Serving().Model(); m != nil {
		return m.RunID
	}
	return ""
}

// decodeBody reads a JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeHTTPError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var dim *types.DimensionMismatchError
	switch {
	case errors.Is(err, types.ErrUnknownNode), errors.Is(err, checkpoint.ErrNoCheckpoint):
		writeHTTPError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, serving.ErrNoModel), errors.Is(err, types.ErrEmptyGraph):
		writeHTTPError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &dim):
		writeHTTPError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeHTTPError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeHTTPError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeHTTPResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeHTTPError(w http.ResponseWriter, statusCode int, message string) {
	writeHTTPResponse(w, statusCode, map[string]string{"error": message})
}
