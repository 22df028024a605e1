package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/database/models"
)

type journalEventResponse struct {
	ID          int64     `json:"id"`
	Time        time.Time `json:"time"`
	MediaServer string    `json:"mediaserver"`
	Token       string    `json:"token"`
	Event       string    `json:"event"`
	ChannelID   string    `json:"channel_id,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
}

func toJournalEventResponse(ev *models.EndpointEvent) journalEventResponse {
	return journalEventResponse{
		ID:          ev.ID,
		Time:        ev.Time,
		MediaServer: ev.MediaServer,
		Token:       ev.Token,
		Event:       ev.Event,
		ChannelID:   ev.ChannelID,
		ChannelName: ev.ChannelName,
		CallID:      ev.CallID,
		Reason:      ev.Reason,
		DurationMs:  ev.DurationMs,
	}
}

var journalEvents = map[string]bool{
	models.EventCreated: true,
	models.EventFailed:  true,
	models.EventEnded:   true,
}

// handleListJournal returns endpoint journal rows, newest first.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is not configured")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.EndpointEventFilter{
		MediaServer: q.Get("mediaserver"),
		Token:       q.Get("token"),
		Event:       q.Get("event"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	if errMsg := firstError(
		validateStringLen("mediaserver", filter.MediaServer, maxTokenLen),
		validateStringLen("token", filter.Token, maxTokenLen),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if filter.Event != "" && !journalEvents[filter.Event] {
		writeError(w, http.StatusBadRequest, "event must be one of created, failed, ended")
		return
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}

	events, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list journal: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.journal.Count(r.Context(), filter)
	if err != nil {
		s.logger.Error("list journal: failed to count", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]journalEventResponse, len(events))
	for i := range events {
		items[i] = toJournalEventResponse(&events[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  int(total),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}
