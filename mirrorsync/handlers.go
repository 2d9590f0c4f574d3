package mirrorsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

// Ops endpoints for the sync subsystem. These run on the embedded admin
// server, not a public API, so auth is scope resolution only.

type StatusResponse struct {
	BusinessId    string                      `json:"businessId"`
	WorkspaceId   string                      `json:"workspaceId"`
	LastFullSync  *string                     `json:"lastFullSync"`
	LastSuccessAt *string                     `json:"lastSuccessAt"`
	LastError     *string                     `json:"lastError"`
	Backlog       map[models.PushStatus]int64 `json:"backlog"`
}

func StatusHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, workspaceId, err := resolveScope(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		db := e.mirror.DB().WithContext(c.Request.Context())

		resp := StatusResponse{BusinessId: businessId, WorkspaceId: workspaceId}

		cp, err := models.GetSyncCheckpoint(db, businessId, workspaceId)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if cp != nil {
			resp.LastFullSync = formatTime(cp.LastFullSync)
			resp.LastSuccessAt = formatTime(cp.LastSuccessAt)
			resp.LastError = cp.LastError
		}

		backlog, err := models.PushBacklog(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Backlog = backlog

		c.JSON(http.StatusOK, resp)
	}
}

func TriggerSyncHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, workspaceId, err := resolveScope(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Detached from the request: a full pull can outlive the HTTP call.
		go func() {
			ctx := utils.SetBusinessIdInContext(context.Background(), businessId)
			ctx = utils.SetWorkspaceIdInContext(ctx, workspaceId)
			if err := e.InitialSync(ctx, businessId, workspaceId, nil); err != nil && e.logger != nil {
				e.logger.WithError(err).Warn("manual sync failed")
			}
		}()

		c.JSON(http.StatusAccepted, gin.H{"started": true})
	}
}

func DeadRevertHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Query("business_id"))
		db := e.mirror.DB().WithContext(c.Request.Context())

		n, err := models.RevertDeadPushes(db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if n > 0 {
			e.dispatcher.Notify()
		}
		c.JSON(http.StatusOK, gin.H{"reverted": n})
	}
}

type QueueRowResponse struct {
	ID         uint    `json:"id"`
	Collection string  `json:"collection"`
	EntityId   string  `json:"entityId"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	LastError  *string `json:"lastError"`
	Deleted    bool    `json:"deleted"`
}

// QueueHandler lists the non-PENDING tail of the push queue, newest first.
func QueueHandler(e *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.Query("business_id"))
		db := e.mirror.DB().WithContext(c.Request.Context())

		q := db.Model(&models.PushOperation{}).
			Where("status IN ?", []string{string(models.PushStatusFailed), string(models.PushStatusDead), string(models.PushStatusProcessing)}).
			Order("updated_at DESC").
			Limit(100)
		if businessId != "" {
			q = q.Where("business_id = ?", businessId)
		}
		var rows []models.PushOperation
		if err := q.Find(&rows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]QueueRowResponse, 0, len(rows))
		for _, r := range rows {
			items = append(items, QueueRowResponse{
				ID:         r.ID,
				Collection: r.Collection,
				EntityId:   r.EntityId,
				Status:     string(r.Status),
				Attempts:   r.Attempts,
				LastError:  r.LastError,
				Deleted:    r.Deleted,
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func resolveScope(c *gin.Context) (businessId, workspaceId string, err error) {
	businessId = strings.TrimSpace(c.Query("business_id"))
	if businessId == "" {
		businessId, _ = utils.GetBusinessIdFromContext(c.Request.Context())
	}
	if businessId == "" {
		return "", "", errors.New("business_id is required")
	}
	workspaceId = strings.TrimSpace(c.Query("workspace_id"))
	if workspaceId == "" {
		workspaceId, _ = utils.GetWorkspaceIdFromContext(c.Request.Context())
	}
	if workspaceId == "" {
		return "", "", errors.New("workspace_id is required")
	}
	return businessId, workspaceId, nil
}
