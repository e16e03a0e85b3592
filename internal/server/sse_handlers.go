package server

import (
	"errors"
	"net/http"

	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type streamTokenRequest struct {
	OwnerID int64 `json:"player_id"`
}

type streamTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type statsResponse struct {
	realtime.Stats
	Mode         replication.Mode `json:"mode"`
	LastSyncTime int64            `json:"last_sync_time"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ownerID, ok := contextOwner(c)
	if !ok {
		respond(c, replication.CodeBadRequest, "player_id is required", nil)
		return
	}

	rooms := append(append([]string(nil), h.defaultRooms...), c.QueryArray("room")...)
	connection, err := h.hub.Connect(ownerID, rooms...)
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrHubClosed):
			respond(c, http.StatusServiceUnavailable, "stream service unavailable", nil)
		case errors.Is(err, realtime.ErrInvalidOwner):
			respond(c, replication.CodeBadRequest, "invalid player_id", nil)
		default:
			h.logger.Error("sse connect failed", zap.Int64("owner_id", ownerID), zap.Error(err))
			respond(c, replication.CodeInternal, "failed to open stream", nil)
		}
		return
	}

	sink, err := realtime.PrepareStream(c.Writer)
	if err != nil {
		h.hub.Disconnect(connection.ID)
		h.logger.Debug("sse stream closed before handshake",
			zap.String("conn_id", connection.ID),
			zap.Int64("owner_id", ownerID),
			zap.Error(err),
		)
		return
	}
	if err := h.hub.Serve(c.Request.Context(), connection, sink); err != nil {
		h.logger.Debug("sse stream ended",
			zap.String("conn_id", connection.ID),
			zap.Int64("owner_id", ownerID),
			zap.Error(err),
		)
	}
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	h.changeRoom(c, h.hub.JoinRoom, "joined")
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	h.changeRoom(c, h.hub.LeaveRoom, "left")
}

func (h *httpHandler) changeRoom(c *gin.Context, change func(int64, string) error, verb string) {
	ownerID, ok := contextOwner(c)
	if !ok {
		respond(c, replication.CodeBadRequest, "player_id is required", nil)
		return
	}
	room := c.Param("room")
	if err := change(ownerID, room); err != nil {
		if errors.Is(err, realtime.ErrInvalidRoom) || errors.Is(err, realtime.ErrInvalidOwner) {
			respond(c, replication.CodeBadRequest, err.Error(), nil)
			return
		}
		respond(c, replication.CodeInternal, "failed to update room membership", nil)
		return
	}
	h.logger.Debug("sse room membership changed", zap.Int64("owner_id", ownerID), zap.String("room", room), zap.String("change", verb))
	respond(c, replication.CodeOK, verb, gin.H{"rooms": h.hub.RoomsOf(ownerID)})
}

func (h *httpHandler) handleIssueStreamToken(c *gin.Context) {
	if !h.tokensEnabled() {
		respond(c, replication.CodeNotFound, "stream tokens are disabled", nil)
		return
	}
	var request streamTokenRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.OwnerID <= 0 {
		respond(c, replication.CodeBadRequest, "player_id is required", nil)
		return
	}
	token, expiresIn, err := h.streamTokens.IssueStreamToken(request.OwnerID)
	if err != nil {
		h.logger.Error("stream token issuance failed", zap.Int64("owner_id", request.OwnerID), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to issue token", nil)
		return
	}
	respond(c, replication.CodeOK, "ok", streamTokenResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	respond(c, replication.CodeOK, "ok", statsResponse{
		Stats:        h.hub.Stats(),
		Mode:         h.engine.Mode(),
		LastSyncTime: h.engine.LastSyncTime(),
	})
}
