// Package restapi is the REST + SSE transport over the Script
// Execution Service and the Activity Service. Handlers are thin
// adapters: decode a request body into a typed command, call the
// matching service method (or apifacade.CallAndRespond when the target
// service lives in another process), and translate the result (or a
// typed *oeterrors.Error) into an HTTP response.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/oet/internal/apifacade"
	"github.com/cuemby/oet/internal/bus"
	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/log"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// Server wires the Script Execution Engine's REST surface onto an
// http.ServeMux, following the teacher's small-mux-per-concern
// convention rather than pulling in a web framework.
type Server struct {
	bus    *bus.Bus
	broker *apifacade.Broker
	tAPI   time.Duration
	mux    *http.ServeMux
}

// New builds a Server. tAPI bounds every call_and_respond round trip
// issued by a handler.
func New(b *bus.Bus, broker *apifacade.Broker, tAPI time.Duration) *Server {
	s := &Server{bus: b, broker: broker, tAPI: tAPI, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /procedures", s.listProcedures)
	s.mux.HandleFunc("POST /procedures", s.createProcedure)
	s.mux.HandleFunc("GET /procedures/{pid}", s.getProcedure)
	s.mux.HandleFunc("PUT /procedures/{pid}", s.updateProcedure)

	s.mux.HandleFunc("GET /activities", s.listActivities)
	s.mux.HandleFunc("POST /activities", s.createActivity)
	s.mux.HandleFunc("GET /activities/{aid}", s.getActivity)

	s.mux.HandleFunc("GET /stream", s.stream)

	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) call(ctx context.Context, requestTopic, responseTopic string, payload any) (any, error) {
	return apifacade.CallAndRespond(ctx, s.bus, requestTopic, responseTopic, payload, s.tAPI)
}

// callInto round-trips the response through JSON into out, tolerating
// both a same-process typed payload and a relayed map/slice payload.
func (s *Server) callInto(ctx context.Context, requestTopic, responseTopic string, payload, out any) error {
	resp, err := s.call(ctx, requestTopic, responseTopic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Server) listProcedures(w http.ResponseWriter, r *http.Request) {
	var summaries []types.ProcedureSummary
	if err := s.callInto(r.Context(), "request.procedure.list", "procedure.pool.list", nil, &summaries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"procedures": summaries})
}

func (s *Server) createProcedure(w http.ResponseWriter, r *http.Request) {
	var cmd types.PrepareCmd
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, oeterrors.Wrap(oeterrors.KindBadRequest, "invalid request body", err))
		return
	}
	var summary types.ProcedureSummary
	if err := s.callInto(r.Context(), "request.procedure.create", "procedure.lifecycle.created", cmd, &summary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"procedure": summary})
}

func (s *Server) getProcedure(w http.ResponseWriter, r *http.Request) {
	pid, err := pathUint64(r, "pid")
	if err != nil {
		writeError(w, err)
		return
	}
	var summaries []types.ProcedureSummary
	if err := s.callInto(r.Context(), "request.procedure.list", "procedure.pool.list", []uint64{pid}, &summaries); err != nil {
		writeError(w, err)
		return
	}
	if len(summaries) == 0 {
		writeError(w, oeterrors.New(oeterrors.KindUnknownPid, fmt.Sprintf("no procedure with pid %d", pid)))
		return
	}
	writeJSON(w, http.StatusOK, summaries[0])
}

// updateProcedureRequest is the PUT /procedures/{pid} body.
type updateProcedureRequest struct {
	State      types.ProcedureState  `json:"state"`
	ScriptArgs *types.ProcedureInput `json:"script_args,omitempty"`
	Abort      bool                  `json:"abort,omitempty"`
}

func (s *Server) updateProcedure(w http.ResponseWriter, r *http.Request) {
	pid, err := pathUint64(r, "pid")
	if err != nil {
		writeError(w, err)
		return
	}
	var body updateProcedureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, oeterrors.Wrap(oeterrors.KindBadRequest, "invalid request body", err))
		return
	}

	switch body.State {
	case types.StateRunning:
		args := types.ProcedureInput{}
		if body.ScriptArgs != nil {
			args = *body.ScriptArgs
		}
		var summary types.ProcedureSummary
		if err := s.callInto(r.Context(), "request.procedure.start", "procedure.lifecycle.started",
			types.StartCmd{Pid: pid, FnName: "main", Args: args, Force: true}, &summary); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"procedure": summary})
	case types.StateStopped:
		var summaries []types.ProcedureSummary
		if err := s.callInto(r.Context(), "request.procedure.stop", "procedure.lifecycle.stopped",
			types.StopCmd{Pid: pid, RunAbort: body.Abort}, &summaries); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"procedures": summaries})
	default:
		writeError(w, oeterrors.New(oeterrors.KindBadRequest, fmt.Sprintf("unsupported target state %q", body.State)))
	}
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	var summaries []types.ActivitySummary
	if err := s.callInto(r.Context(), "request.activity.list", "activity.pool.list", nil, &summaries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": summaries})
}

func (s *Server) createActivity(w http.ResponseWriter, r *http.Request) {
	var cmd types.ActivityCmd
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, oeterrors.Wrap(oeterrors.KindBadRequest, "invalid request body", err))
		return
	}
	var summary types.ActivitySummary
	if err := s.callInto(r.Context(), "request.activity.run", "activity.lifecycle.running", cmd, &summary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"activity": summary})
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	aid, err := pathUint64(r, "aid")
	if err != nil {
		writeError(w, err)
		return
	}
	var summaries []types.ActivitySummary
	if err := s.callInto(r.Context(), "request.activity.list", "activity.pool.list", []uint64{aid}, &summaries); err != nil {
		writeError(w, err)
		return
	}
	if len(summaries) == 0 {
		writeError(w, oeterrors.New(oeterrors.KindUnknownAid, fmt.Sprintf("no activity with aid %d", aid)))
		return
	}
	writeJSON(w, http.StatusOK, summaries[0])
}

// stream implements GET /stream: one SSE connection per client, fed by
// the apifacade.Broker, with a per-connection monotonically increasing
// id: field.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, oeterrors.New(oeterrors.KindBadRequest, "streaming unsupported"))
		return
	}

	ch, unregister := s.broker.Register()
	defer unregister()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var seq uint64
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			seq++
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", seq, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func pathUint64(r *http.Request, key string) (uint64, error) {
	v, err := strconv.ParseUint(r.PathValue(key), 10, 64)
	if err != nil {
		return 0, oeterrors.New(oeterrors.KindBadRequest, fmt.Sprintf("invalid %s", key))
	}
	return v, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func writeError(w http.ResponseWriter, err error) {
	var oetErr *oeterrors.Error
	if !errors.As(err, &oetErr) {
		log.WithComponent("restapi").Error().Err(err).Msg("unhandled error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "500 Internal Server Error", Type: "InternalError"})
		return
	}
	status := oetErr.StatusCode()
	writeJSON(w, status, errorResponse{
		Error: fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Type:  statusType(status),
	})
}

// statusType maps an HTTP status to the REST error envelope's "type"
// field, kept independent of the finer-grained oeterrors.Kind so two
// different kinds that both map to 404 (UnknownPid, UnknownAid) report
// the same generic type a client can switch on.
func statusType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BadRequest"
	case http.StatusNotFound:
		return "ResourceNotFound"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusGatewayTimeout:
		return "Timeout"
	default:
		return "InternalError"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
