package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/7byte/fatiguemonitor/internal"
	"github.com/7byte/fatiguemonitor/internal/fatigue"
	"github.com/7byte/fatiguemonitor/internal/store"
	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

const (
	msgReading = "reading"
	msgResult  = "result"
	msgError   = "error"

	// clients send this text message to end the session and get a result
	cmdStop = "stop"

	wsWriteTimeout = 5 * time.Second
)

// live runs a session on a capture device and streams every frame reading
// to the websocket. The final result is stored as a realtime analysis.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	employeeID, err := parseID(q.Get("employee_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}
	device := 0
	if v := q.Get("device"); v != "" {
		if device, err = strconv.Atoi(v); err != nil || device < 0 {
			writeError(w, http.StatusBadRequest, "invalid device index")
			return
		}
	}

	if !s.sem.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "too many analyses in progress, retry later")
		return
	}
	defer s.sem.Release(1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.metrics.wsClients.Add(1)
	defer s.metrics.wsClients.Add(-1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	send := func(typ string, payload any) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(wsMessage{Type: typ, Payload: payload, Timestamp: time.Now().Unix()})
	}

	runner := s.analyzer.Start(internal.Request{
		Device: device,
		Live:   true,
		Observer: func(reading fatigue.FrameReading) {
			if err := send(msgReading, reading); err != nil {
				s.log.Debug("live client gone", "error", err)
				cancel()
			}
		},
	})

	// the read loop only watches for stop and disconnect
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			if mt == websocket.TextMessage && string(data) == cmdStop {
				runner.Stop()
			}
		}
	}()

	s.metrics.sessionStarted()
	res := runner.Run(ctx)
	s.metrics.sessionDone()
	s.metrics.RecordResult(res)

	if ctx.Err() != nil {
		s.log.Info("live session cancelled by client", "employee_id", employeeID)
		return
	}

	var rec *store.Analysis
	if res.OK() {
		a := store.FromResult(res, employeeID, nil, store.TypeRealtime, "")
		if err := s.store.SaveAnalysis(r.Context(), &a); err != nil {
			s.log.Error("failed to store live analysis", "error", err)
			send(msgError, errorResponse{Error: "failed to store analysis"})
			return
		}
		rec = &a
	}
	if err := send(msgResult, analyzeResponse{Analysis: rec, Result: res}); err != nil {
		s.log.Debug("failed to send live result", "error", err)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
