package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/config"
	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/mirrorsync"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/presence"
	"bitbucket.org/gestiodev/gestion_backend/utils"
	"bitbucket.org/gestiodev/gestion_backend/workflow"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	businessId := strings.TrimSpace(os.Getenv("BUSINESS_ID"))
	workspaceId := strings.TrimSpace(os.Getenv("WORKSPACE_ID"))
	planId := strings.TrimSpace(os.Getenv("PLAN_ID"))
	if businessId == "" || workspaceId == "" {
		logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("BUSINESS_ID and WORKSPACE_ID are required")
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Local mirror first: the app must come up read/write even with no
	// network at all.
	db, err := config.OpenMirror()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "mirror"}).Fatal("cannot open local mirror: " + err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	mirror, err := models.NewMirror(db, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "mirror"}).Fatal("mirror init failed: " + err.Error())
	}
	defer func() { _ = mirror.Close() }()

	// Remote ledger: Redis when configured, in-memory otherwise (dev mode,
	// single device, nothing to converge with).
	var lg ledger.Ledger
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry(sigCtx)
		lg = ledger.NewRedisLedger(config.GetRedisDB(), config.GetRedisLock(), logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "ledger"}).Warn("REDIS_ADDRESS not set; using in-memory ledger")
		lg = ledger.NewMemoryLedger()
	}

	identityPath := os.Getenv("DEVICE_IDENTITY_PATH")
	if identityPath == "" {
		identityPath = filepath.Join(".", "gestion-device.json")
	}
	identity, err := presence.LoadIdentity(identityPath, os.Getenv("DEVICE_NAME"), "gestion-backend/"+port)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "presence"}).Fatal("device identity: " + err.Error())
	}

	auth := &utils.StaticIdentity{
		Actor: utils.Actor{UID: os.Getenv("OPERATOR_UID"), DisplayName: os.Getenv("OPERATOR_NAME")},
	}
	if hash := os.Getenv("OPERATOR_PASSWORD_HASH"); hash != "" {
		auth.PasswordHash = []byte(hash)
	}

	manager := presence.NewManager(lg, mirror, identity, auth, logger)
	manager.HeartbeatInterval = config.DurationFromEnv("PRESENCE_HEARTBEAT", manager.HeartbeatInterval)
	manager.StaleAfter = config.DurationFromEnv("PRESENCE_STALE_AFTER", manager.StaleAfter)

	engine := mirrorsync.NewEngine(mirror, lg, logger)
	engine.SetOnPushError(func(op models.PushOperation, err error) {
		logger.WithFields(logrus.Fields{
			"field":      "push",
			"collection": op.Collection,
			"entity_id":  op.EntityId,
			"attempts":   op.Attempts,
		}).Error("push rejected by ledger: " + err.Error())
	})

	deletion := workflow.NewDeletionService(mirror, logger, engine.Dispatcher().Notify)

	appCtx := utils.SetBusinessIdInContext(context.Background(), businessId)
	appCtx = utils.SetWorkspaceIdInContext(appCtx, workspaceId)
	appCtx = utils.SetDeviceIdInContext(appCtx, identity.DeviceId)

	startSync := func() {
		go func() {
			if err := engine.InitialSync(appCtx, businessId, workspaceId, func(pct int, phase string) {
				logger.WithFields(logrus.Fields{"field": "sync", "percent": pct}).Info(phase)
			}); err != nil {
				logger.WithFields(logrus.Fields{"field": "sync"}).Warn("initial sync failed, queue will drain later: " + err.Error())
			}
		}()
	}

	// resumeSync covers both the startup path and a later auto-unblock:
	// bulk pull plus the incremental subscriptions, opened at most once.
	var (
		syncMu       sync.Mutex
		stopRealtime mirrorsync.StopFunc
	)
	resumeSync := func() {
		startSync()
		syncMu.Lock()
		defer syncMu.Unlock()
		if stopRealtime != nil {
			return
		}
		stop, err := engine.InitializeRealTimeSync(appCtx, businessId, workspaceId)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "sync"}).Warn("realtime sync unavailable: " + err.Error())
			return
		}
		stopRealtime = stop
	}
	manager.OnUnblocked(func() {
		logger.WithFields(logrus.Fields{"field": "presence"}).Info("device slot freed, resuming")
		resumeSync()
	})

	result := manager.InitializePresence(appCtx, businessId, planId)
	switch {
	case !result.Success:
		// Blocked devices stay up read-only; the unblock listener resumes
		// sync once a slot frees.
		logger.WithFields(logrus.Fields{
			"field":  "presence",
			"reason": result.Reason,
			"max":    result.Max,
		}).Warn("device limit reached, running read-only until a slot frees")
	case result.Offline:
		logger.WithFields(logrus.Fields{"field": "presence"}).Warn("offline mode: local mirror only, sync queued")
	default:
		resumeSync()
	}

	applyPushRetryConfig(engine.Dispatcher())
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go engine.Dispatcher().Run(dispatcherCtx)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		ctx = utils.SetBusinessIdInContext(ctx, businessId)
		ctx = utils.SetWorkspaceIdInContext(ctx, workspaceId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.GET("/internal/sync/status", mirrorsync.StatusHandler(engine))
	r.GET("/internal/sync/queue", mirrorsync.QueueHandler(engine))

	// Device management stays open to a blocked instance: kicking or
	// force-releasing a device is how the operator frees a slot.
	r.GET("/internal/devices", listDevicesHandler(manager))
	r.POST("/internal/devices/kick", kickDeviceHandler(manager))
	r.POST("/internal/devices/force-release", forceReleaseHandler(manager))

	r.GET("/internal/clients/:id/deletion-preview", clientDeletionPreviewHandler(deletion))
	r.GET("/internal/stock-items/:id/deletion-preview", stockItemDeletionPreviewHandler(deletion))

	// Everything that mutates is read-only while this device holds no
	// presence slot.
	write := r.Group("", requirePresenceSlot(manager))
	write.POST("/internal/sync/trigger", mirrorsync.TriggerSyncHandler(engine))
	write.POST("/internal/sync/queue/dead-revert", mirrorsync.DeadRevertHandler(engine))
	write.DELETE("/internal/clients/:id", deleteHandler(deletion.DeleteClient))
	write.DELETE("/internal/stock-items/:id", deleteHandler(deletion.DeleteStockItem))
	write.DELETE("/internal/reservations/:id", deleteHandler(deletion.DeleteReservation))
	write.DELETE("/internal/expenses/:id", deleteHandler(deletion.DeleteExpense))
	write.DELETE("/internal/quick-incomes/:id", deleteHandler(deletion.DeleteQuickIncome))
	write.DELETE("/internal/investments/:id", deleteHandler(deletion.DeleteInvestment))
	write.DELETE("/internal/planning-items/:id", deleteHandler(deletion.DeletePlanningItem))
	write.POST("/internal/trash/restore", restoreHandler(deletion))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("admin server on http://localhost:", port, "/")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're
	// draining.
	cancelDispatcher()
	syncMu.Lock()
	if stopRealtime != nil {
		stopRealtime()
	}
	syncMu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.Stop(stopCtx)

	if err := srv.Shutdown(stopCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func clientDeletionPreviewHandler(s *workflow.DeletionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		preview, err := s.GetClientDeletionPreview(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, preview)
	}
}

func stockItemDeletionPreviewHandler(s *workflow.DeletionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		preview, err := s.GetStockItemDeletionPreview(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, preview)
	}
}

// requirePresenceSlot rejects mutating requests while this device holds no
// presence slot. Reads and device management stay available so the operator
// can inspect state and free a slot.
func requirePresenceSlot(m *presence.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.Status() != presence.StatusActive {
			writeServiceError(c, utils.Errorf(utils.KindMaxDevicesReached, "device limit reached, this device is read-only"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func deleteHandler(del func(ctx context.Context, id string) (*workflow.DeleteResult, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := del(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type restoreRequest struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
}

func restoreHandler(s *workflow.DeletionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req restoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.Collection == "" || req.Id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "collection and id are required"})
			return
		}
		result, err := s.RestoreEntity(c.Request.Context(), models.Collection(req.Collection), req.Id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func writeServiceError(c *gin.Context, err error) {
	switch utils.Kind(err) {
	case utils.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case utils.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case utils.KindInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case utils.KindPermissionDenied:
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case utils.KindMaxDevicesReached:
		c.JSON(http.StatusLocked, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func listDevicesHandler(manager *presence.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices, err := manager.ListDevices(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": devices, "self": manager.DeviceId()})
	}
}

type kickRequest struct {
	DeviceId string `json:"device_id"`
	Password string `json:"password"`
}

func kickDeviceHandler(manager *presence.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req kickRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.DeviceId == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "device_id and password are required"})
			return
		}
		if err := manager.Kick(c.Request.Context(), req.Password, req.DeviceId); err != nil {
			if utils.Kind(err) == utils.KindPermissionDenied {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "reauthentication failed"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

type forceReleaseRequest struct {
	DeviceId string `json:"device_id"`
	Token    string `json:"token"`
}

// forceReleaseHandler backs the email-confirmation flow: the link carries a
// single-use token minted out of band, so no password challenge here.
func forceReleaseHandler(manager *presence.Manager) gin.HandlerFunc {
	expected := os.Getenv("FORCE_RELEASE_TOKEN")
	return func(c *gin.Context) {
		var req forceReleaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.DeviceId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "device_id is required"})
			return
		}
		if expected == "" || req.Token != expected {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if err := manager.ForceRelease(c.Request.Context(), req.DeviceId); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// customErrorLogger logs only requests that attached errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}
