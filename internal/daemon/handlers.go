package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmaddaus/issuebridge/internal/bridge"
	"github.com/jmaddaus/issuebridge/internal/model"
)

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "marshal error: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

// handleEvent ingests a message-received event. 202 means the event was
// queued for processing; a 200 with accepted=false means it was filtered
// out by the gate, which is a normal outcome. 503 signals backpressure: the
// platform should redeliver later.
func (d *Daemon) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.ChatEvent
	if err := readJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.ID == "" || ev.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "event_id and channel_id are required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	accepted, err := d.bridge.Submit(&ev)
	if err != nil {
		if errors.Is(err, bridge.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "event queue full, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !accepted {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := d.bridge.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{
		"status":      "ok",
		"queue_depth": st.QueueDepth,
		"workers":     st.Workers,
		"phases":      st.Phases,
	}
	if !d.startedAt.IsZero() {
		resp["uptime"] = time.Since(d.startedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
