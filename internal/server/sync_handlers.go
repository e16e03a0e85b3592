package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	operationServePull = "serve_pull"
	operationServePush = "serve_push"
)

func (h *httpHandler) handlePull(c *gin.Context) {
	rawSince := strings.TrimSpace(c.GetHeader(replication.HeaderSyncTime))
	if rawSince == "" {
		respond(c, replication.CodeBadRequest, "missing "+replication.HeaderSyncTime+" header", nil)
		return
	}
	since, err := strconv.ParseInt(rawSince, 10, 64)
	if err != nil || since < 0 {
		respond(c, replication.CodeBadRequest, "invalid "+replication.HeaderSyncTime+" header", nil)
		return
	}

	records, err := h.store.ListSince(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("sync pull failed", zap.String("operation", operationServePull), zap.Int64("since", since), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to read changes", nil)
		return
	}
	h.logger.Debug("sync pull served", zap.Int64("since", since), zap.Int("records", len(records)))
	respond(c, replication.CodeOK, "ok", replication.EncodeRecords(records))
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request replication.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respond(c, replication.CodeBadRequest, "invalid request body", nil)
		return
	}
	records, err := replication.DecodeRecords(operationServePush, request.Updates)
	if err != nil {
		h.logger.Warn("sync push rejected", zap.Error(err))
		respond(c, replication.CodeBadRequest, err.Error(), nil)
		return
	}

	result, err := h.store.ApplyRemote(c.Request.Context(), records)
	if err != nil {
		h.logger.Error("sync push failed", zap.String("operation", operationServePush), zap.Int("records", len(records)), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to apply changes", nil)
		return
	}
	h.logger.Info("sync push applied", zap.Int("received", len(records)), zap.Int("applied", result.Applied))
	respond(c, replication.CodeOK, "ok", replication.PushResult{Updated: result.Applied})
}

func (h *httpHandler) handleRunCycle(c *gin.Context) {
	report, err := h.engine.RunCycle(c.Request.Context())
	switch {
	case err == nil:
		respond(c, replication.CodeOK, "ok", report)
	case errors.Is(err, replication.ErrTopology):
		respond(c, replication.CodeForbidden, "this node does not initiate sync in "+string(h.engine.Mode())+" mode", nil)
	case errors.Is(err, replication.ErrAuth):
		respond(c, replication.CodeUnauthorized, "peer rejected api key", nil)
	case replication.IsTransient(err):
		respond(c, http.StatusBadGateway, "peer unavailable", report)
	default:
		respond(c, replication.CodeInternal, "sync cycle failed", report)
	}
}
