package server

import (
	"errors"
	"strconv"

	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actionUpsert = "upsert"
	actionDelete = "delete"
)

type taskUpdatePayload struct {
	Action   string `json:"action"`
	ID       int64  `json:"id"`
	OwnerID  int64  `json:"user_id"`
	EditTime int64  `json:"edittime"`
}

func (h *httpHandler) handleListRoadmap(c *gin.Context) {
	ownerID, ok := contextOwner(c)
	if !ok {
		respond(c, replication.CodeBadRequest, "user_id is required", nil)
		return
	}

	minEditTime := int64(0)
	if h.freshCutoff > 0 {
		minEditTime = h.clock().Add(-h.freshCutoff).UTC().Unix()
	}
	records, err := h.store.ListActive(c.Request.Context(), ownerID, minEditTime)
	if err != nil {
		h.logger.Error("roadmap list failed", zap.Int64("owner_id", ownerID), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to list roadmap", nil)
		return
	}
	h.engine.MaybeAutoSync()
	respond(c, replication.CodeOK, "ok", replication.EncodeRecords(records))
}

func (h *httpHandler) handleUpsertRoadmap(c *gin.Context) {
	var payload replication.WireRecord
	if err := c.ShouldBindJSON(&payload); err != nil {
		respond(c, replication.CodeBadRequest, "invalid request body", nil)
		return
	}

	if payload.ID == nil {
		id, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("roadmap id generation failed", zap.Error(err))
			respond(c, replication.CodeInternal, "failed to allocate id", nil)
			return
		}
		payload.ID = &id
	}
	// Local edits are always stamped by the store clock.
	zero := int64(0)
	payload.EditTime = &zero
	payload.AddTime = 0

	record, err := payload.Decode()
	if err != nil {
		respond(c, replication.CodeBadRequest, err.Error(), nil)
		return
	}
	if ownerID, ok := contextOwner(c); ok {
		record.OwnerID = ownerID
	}
	if !h.mayModify(c, record.ID, record.OwnerID) {
		return
	}

	stored, err := h.store.InsertOrUpdate(c.Request.Context(), record)
	if err != nil {
		if isInvalidRecord(err) {
			respond(c, replication.CodeBadRequest, err.Error(), nil)
			return
		}
		h.logger.Error("roadmap upsert failed", zap.Int64("record_id", record.ID), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to save record", nil)
		return
	}
	h.notifyOwner(actionUpsert, stored)
	respond(c, replication.CodeOK, "ok", replication.EncodeRecord(stored))
}

func (h *httpHandler) handleDeleteRoadmap(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respond(c, replication.CodeBadRequest, "invalid id", nil)
		return
	}
	ownerID, _ := contextOwner(c)
	if !h.mayModify(c, id, ownerID) {
		return
	}

	stored, err := h.store.SoftDelete(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, roadmap.ErrRecordNotFound) {
			respond(c, replication.CodeNotFound, "record not found", nil)
			return
		}
		h.logger.Error("roadmap delete failed", zap.Int64("record_id", id), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to delete record", nil)
		return
	}
	h.notifyOwner(actionDelete, stored)
	respond(c, replication.CodeOK, "ok", replication.EncodeRecord(stored))
}

// mayModify rejects edits to another owner's row when stream tokens identify
// the caller. It writes the response and returns false on rejection.
func (h *httpHandler) mayModify(c *gin.Context, id int64, ownerID int64) bool {
	if !h.tokensEnabled() {
		return true
	}
	existing, err := h.store.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, roadmap.ErrRecordNotFound):
		return true
	case err != nil:
		h.logger.Error("roadmap ownership check failed", zap.Int64("record_id", id), zap.Error(err))
		respond(c, replication.CodeInternal, "failed to load record", nil)
		return false
	case existing.OwnerID != ownerID:
		respond(c, replication.CodeForbidden, "record belongs to another owner", nil)
		return false
	default:
		return true
	}
}

func (h *httpHandler) notifyOwner(action string, record roadmap.Record) {
	delivered, err := h.hub.Unicast(record.OwnerID, realtime.EventTaskUpdate, taskUpdatePayload{
		Action:   action,
		ID:       record.ID,
		OwnerID:  record.OwnerID,
		EditTime: record.EditTime,
	})
	if err != nil {
		h.logger.Warn("task update notification failed", zap.Int64("record_id", record.ID), zap.Error(err))
		return
	}
	h.logger.Debug("task update sent",
		zap.String("action", action),
		zap.Int64("record_id", record.ID),
		zap.Int("connections", delivered),
	)
}

func isInvalidRecord(err error) bool {
	return errors.Is(err, roadmap.ErrInvalidRecordID) ||
		errors.Is(err, roadmap.ErrInvalidEditTime) ||
		errors.Is(err, roadmap.ErrInvalidName) ||
		errors.Is(err, roadmap.ErrInvalidStatus)
}
