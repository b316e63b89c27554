package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"k8s.io/klog/v2"

	"github.com/modelcloud/trainagent/pkg/agent"
	"github.com/modelcloud/trainagent/pkg/engine"
	"github.com/modelcloud/trainagent/pkg/session"
	"github.com/modelcloud/trainagent/pkg/tensor"
)

// maxRequestBytes bounds request bodies; tensors beyond this belong in a
// binding on the caller's side, not on this API.
const maxRequestBytes = 64 << 20

type tensorJSON struct {
	Dims   []int64   `json:"dims"`
	Values []float32 `json:"values"`
}

func toJSON(v *tensor.Value) tensorJSON {
	return tensorJSON{Dims: v.Dims(), Values: v.Floats()}
}

func fromJSON(t tensorJSON) (*tensor.Value, error) {
	return tensor.New(t.Dims, t.Values)
}

type forwardRequest struct {
	Inputs  map[string]tensorJSON `json:"inputs"`
	Options *runOptionsJSON       `json:"options,omitempty"`
}

type runOptionsJSON struct {
	Tag          string `json:"tag,omitempty"`
	LogVerbosity int    `json:"log_verbosity,omitempty"`
}

type resumeRequest struct {
	Run    agent.RunID  `json:"run"`
	Values []tensorJSON `json:"values"`
}

type backwardRequest struct {
	Run   agent.RunID  `json:"run"`
	Grads []tensorJSON `json:"grads"`
}

type runResponse struct {
	Outputs []tensorJSON `json:"outputs"`
	Run     agent.RunID  `json:"run"`
}

type server struct {
	sess    *session.Session
	agent   *agent.Agent
	metrics *metrics
}

func (s *server) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/forward", s.handleForward)
	mux.HandleFunc("POST /v1/forward/resume", s.handleResumeForward)
	mux.HandleFunc("POST /v1/backward", s.handleBackward)
	mux.HandleFunc("POST /v1/backward/resume", s.handleResumeBackward)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", s.metrics.Handler())
}

func (s *server) handleForward(w http.ResponseWriter, r *http.Request) {
	req := &forwardRequest{}
	if !s.decode(w, r, req) {
		return
	}

	binding := s.sess.NewIOBinding()
	for name, t := range req.Inputs {
		value, err := fromJSON(t)
		if err != nil {
			s.writeError(w, r, "forward", fmt.Errorf("input %q: %w", name, err), http.StatusBadRequest)
			return
		}
		if err := binding.BindInput(name, value); err != nil {
			s.writeError(w, r, "forward", err, http.StatusBadRequest)
			return
		}
	}

	var opts *engine.RunOptions
	if req.Options != nil {
		opts = &engine.RunOptions{Tag: req.Options.Tag, LogVerbosity: req.Options.LogVerbosity}
	}

	s.call(w, r, "forward", func() ([]*tensor.Value, agent.RunID, error) {
		return s.agent.RunForward(r.Context(), binding, opts)
	})
}

func (s *server) handleResumeForward(w http.ResponseWriter, r *http.Request) {
	req := &resumeRequest{}
	if !s.decode(w, r, req) {
		return
	}
	values, err := valuesFromJSON(req.Values)
	if err != nil {
		s.writeError(w, r, "resume_forward", err, http.StatusBadRequest)
		return
	}
	s.call(w, r, "resume_forward", func() ([]*tensor.Value, agent.RunID, error) {
		return s.agent.ResumeForward(r.Context(), values, req.Run)
	})
}

func (s *server) handleBackward(w http.ResponseWriter, r *http.Request) {
	req := &backwardRequest{}
	if !s.decode(w, r, req) {
		return
	}
	grads, err := valuesFromJSON(req.Grads)
	if err != nil {
		s.writeError(w, r, "backward", err, http.StatusBadRequest)
		return
	}
	s.call(w, r, "backward", func() ([]*tensor.Value, agent.RunID, error) {
		return s.agent.RunBackward(r.Context(), grads, req.Run)
	})
}

func (s *server) handleResumeBackward(w http.ResponseWriter, r *http.Request) {
	req := &resumeRequest{}
	if !s.decode(w, r, req) {
		return
	}
	values, err := valuesFromJSON(req.Values)
	if err != nil {
		s.writeError(w, r, "resume_backward", err, http.StatusBadRequest)
		return
	}
	s.call(w, r, "resume_backward", func() ([]*tensor.Value, agent.RunID, error) {
		return s.agent.ResumeBackward(r.Context(), values, req.Run)
	})
}

func (s *server) call(w http.ResponseWriter, r *http.Request, op string, fn func() ([]*tensor.Value, agent.RunID, error)) {
	startedAt := time.Now()
	outputs, id, err := fn()
	s.metrics.CallDuration.WithLabelValues(op).Observe(time.Since(startedAt).Seconds())
	if err != nil {
		s.writeError(w, r, op, err, statusFor(err))
		return
	}
	s.metrics.CallsTotal.WithLabelValues(op, "ok").Inc()

	resp := &runResponse{Run: id, Outputs: make([]tensorJSON, len(outputs))}
	for i, v := range outputs {
		resp.Outputs[i] = toJSON(v)
	}
	s.writeJSON(w, r, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrInvalidRun):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrValueCount):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTerminated):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func valuesFromJSON(in []tensorJSON) ([]*tensor.Value, error) {
	values := make([]*tensor.Value, len(in))
	for i, t := range in {
		value, err := fromJSON(t)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		values[i] = value
	}
	return values, nil
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, r, "decode", fmt.Errorf("reading request body: %w", err), http.StatusBadRequest)
		return false
	}
	if err := sonic.Unmarshal(body, into); err != nil {
		s.writeError(w, r, "decode", fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.writeError(w, r, "encode", err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, op string, err error, code int) {
	log := klog.FromContext(r.Context())
	if code >= 500 {
		log.Error(err, "agent call failed", "op", op)
	} else {
		log.V(2).Info("rejecting request", "op", op, "reason", err.Error())
	}
	s.metrics.CallsTotal.WithLabelValues(op, "error").Inc()
	http.Error(w, err.Error(), code)
}
