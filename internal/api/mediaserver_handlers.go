package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/go-chi/chi/v5"
)

// destroyTimeout bounds how long DELETE waits for an endpoint to go away.
const destroyTimeout = 5 * time.Second

type mediaServerResponse struct {
	mrf.MediaServerStats
	ARIAddress string `json:"ari_address"`
}

func toMediaServerResponse(ms *mrf.MediaServer) mediaServerResponse {
	return mediaServerResponse{MediaServerStats: ms.Stats(), ARIAddress: ms.ARIAddress()}
}

// handleListMediaServers returns every connected media server.
func (s *Server) handleListMediaServers(w http.ResponseWriter, r *http.Request) {
	servers := s.servers.MediaServers()
	items := make([]mediaServerResponse, len(servers))
	for i, ms := range servers {
		items[i] = toMediaServerResponse(ms)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetMediaServer returns one media server.
func (s *Server) handleGetMediaServer(w http.ResponseWriter, r *http.Request) {
	ms := s.mediaServer(w, r)
	if ms == nil {
		return
	}
	writeJSON(w, http.StatusOK, toMediaServerResponse(ms))
}

// handleListEndpoints returns a page of live endpoints, oldest first.
func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	ms := s.mediaServer(w, r)
	if ms == nil {
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	endpoints := ms.Endpoints()
	items := make([]mrf.EndpointInfo, 0, len(endpoints))
	for _, ep := range page(endpoints, pg) {
		items = append(items, ep.Info())
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  len(endpoints),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetEndpoint returns one endpoint.
func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep := s.endpoint(w, r)
	if ep == nil {
		return
	}
	writeJSON(w, http.StatusOK, ep.Info())
}

// handleDestroyEndpoint tears an endpoint down and waits for it to go away.
func (s *Server) handleDestroyEndpoint(w http.ResponseWriter, r *http.Request) {
	ep := s.endpoint(w, r)
	if ep == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), destroyTimeout)
	defer cancel()

	if err := ep.Destroy(ctx); err != nil {
		s.logger.Error("destroy endpoint: failed",
			"mediaserver", ep.MediaServer().ID(),
			"channel_id", ep.ChannelID(),
			"error", err,
		)
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "endpoint did not terminate in time")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to destroy endpoint")
		return
	}

	s.logger.Info("endpoint destroyed via api",
		"mediaserver", ep.MediaServer().ID(),
		"channel_id", ep.ChannelID(),
	)
	w.WriteHeader(http.StatusNoContent)
}

type conferenceRequest struct {
	Name     string `json:"name"`
	MemberID int    `json:"member_id"`
}

// handleSetConference records the conference an endpoint joined.
func (s *Server) handleSetConference(w http.ResponseWriter, r *http.Request) {
	ep := s.endpoint(w, r)
	if ep == nil {
		return
	}

	var req conferenceRequest
	if errMsg := readJSON(w, r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := firstError(
		validateRequiredStringLen("name", req.Name, maxConferenceNameLen),
		validateNoControlChars("name", req.Name),
		validateIntRange("member_id", req.MemberID, 0, 1<<20),
	); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := ep.SetConference(req.Name, req.MemberID); err != nil {
		if errors.Is(err, mrf.ErrNotConnected) {
			writeError(w, http.StatusConflict, "endpoint is not connected")
			return
		}
		s.logger.Error("set conference: failed", "channel_id", ep.ChannelID(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ep.Info())
}

// handleLeaveConference clears conference membership.
func (s *Server) handleLeaveConference(w http.ResponseWriter, r *http.Request) {
	ep := s.endpoint(w, r)
	if ep == nil {
		return
	}
	ep.LeaveConference()
	w.WriteHeader(http.StatusNoContent)
}

// mediaServer resolves the {id} URL parameter, writing 404 when unknown.
func (s *Server) mediaServer(w http.ResponseWriter, r *http.Request) *mrf.MediaServer {
	id := chi.URLParam(r, "id")
	ms := s.servers.MediaServer(id)
	if ms == nil {
		writeError(w, http.StatusNotFound, "mediaserver not found")
		return nil
	}
	return ms
}

// endpoint resolves {id} and {channelID}, writing 404 when either is unknown.
func (s *Server) endpoint(w http.ResponseWriter, r *http.Request) *mrf.Endpoint {
	ms := s.mediaServer(w, r)
	if ms == nil {
		return nil
	}
	ep := ms.Endpoint(chi.URLParam(r, "channelID"))
	if ep == nil {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return nil
	}
	return ep
}
