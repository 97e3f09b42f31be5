package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// logStreamEvent is one websocket frame on /api/logs/stream.
type logStreamEvent struct {
	Line string `json:"line"`
}

// handleLogStream upgrades to a websocket, replays the ring tail, then
// forwards live lines until the client goes away.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local-only service, no origin allowlist
	})
	if err != nil {
		s.logger.Warn("log stream upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	for _, line := range s.ring.Tail(100) {
		if err := wsjson.Write(ctx, conn, logStreamEvent{Line: line}); err != nil {
			return
		}
	}

	lines, unsubscribe := s.ring.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, logStreamEvent{Line: line})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// metricValue flattens an otel aggregation into plain JSON.
func metricValue(data metricdata.Aggregation) any {
	switch v := data.(type) {
	case metricdata.Sum[int64]:
		var total int64
		for _, dp := range v.DataPoints {
			total += dp.Value
		}
		return total
	case metricdata.Sum[float64]:
		var total float64
		for _, dp := range v.DataPoints {
			total += dp.Value
		}
		return total
	case metricdata.Histogram[float64]:
		var count uint64
		var sum float64
		for _, dp := range v.DataPoints {
			count += dp.Count
			sum += dp.Sum
		}
		out := map[string]any{"count": count, "sum": sum}
		if count > 0 {
			out["avg"] = sum / float64(count)
		}
		return out
	case metricdata.Gauge[int64]:
		if n := len(v.DataPoints); n > 0 {
			return v.DataPoints[n-1].Value
		}
		return int64(0)
	default:
		return nil
	}
}
