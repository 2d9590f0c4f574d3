package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bitbucket.org/gestiodev/gestion_backend/config"
	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/models"
	"bitbucket.org/gestiodev/gestion_backend/presence"
	"bitbucket.org/gestiodev/gestion_backend/utils"
)

func newGatedRouter(t *testing.T, lg ledger.Ledger) (*gin.Engine, *presence.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := config.OpenMirrorAt(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	mirror, err := models.NewMirror(db, logger)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.Close() })

	hash, err := utils.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	m := presence.NewManager(lg, mirror, presence.DeviceIdentity{
		DeviceId: "device-self",
		Name:     "laptop",
	}, &utils.StaticIdentity{
		Actor:        utils.Actor{UID: "op-1", DisplayName: "Alice"},
		PasswordHash: hash,
	}, logger)
	m.HeartbeatInterval = time.Hour
	t.Cleanup(func() { m.Stop(context.Background()) })

	r := gin.New()
	write := r.Group("", requirePresenceSlot(m))
	write.POST("/internal/trash/restore", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, m
}

func seedLedgerDevice(t *testing.T, lg ledger.Ledger, id string, status models.DeviceStatus, lastSeen int64) {
	t.Helper()
	rec := models.DeviceRecord{
		ID:         id,
		BusinessId: "biz-1",
		Status:     status,
		LastSeen:   lastSeen,
		Name:       "other",
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		t.Fatalf("marshal device: %v", err)
	}
	if err := lg.Write(context.Background(), ledger.DevicesPath("biz-1"), ledger.Record{
		ID:        id,
		UpdatedAt: lastSeen,
		Data:      data,
	}); err != nil {
		t.Fatalf("seed device %s: %v", id, err)
	}
}

func TestWriteRoutesLockedWhileBlocked(t *testing.T) {
	lg := ledger.NewMemoryLedger()
	r, m := newGatedRouter(t, lg)

	unblocked := make(chan struct{}, 1)
	m.OnUnblocked(func() { unblocked <- struct{}{} })

	seedLedgerDevice(t, lg, "holder", models.DeviceStatusOnline, time.Now().UnixMilli())
	if res := m.InitializePresence(context.Background(), "biz-1", "gratuit"); res.Success {
		t.Fatalf("expected rejection while holder is online, got %+v", res)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/trash/restore", nil))
	if w.Code != http.StatusLocked {
		t.Fatalf("blocked device: status = %d, want %d", w.Code, http.StatusLocked)
	}

	// Holder goes offline, slot frees, the same route opens up.
	seedLedgerDevice(t, lg, "holder", models.DeviceStatusOffline, time.Now().UnixMilli())
	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("slot never freed")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal/trash/restore", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("active device: status = %d, want %d", w.Code, http.StatusOK)
	}
}
