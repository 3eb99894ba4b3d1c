package notify

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantfolio/rebalance-api/internal/audit"
	"github.com/quantfolio/rebalance-api/internal/types"
)

func testService(t *testing.T) (*Service, *audit.Recorder) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&types.AlertSent{}, &types.AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	recorder := audit.NewRecorder(db)
	return NewService(db, recorder, nil), recorder
}

func TestSendRecordsAlertAndAuditEvent(t *testing.T) {
	service, recorder := testService(t)

	service.Send(types.AlertError, "alerts", "Order failed", map[string]interface{}{
		"order_uid": "ORD_1",
	})

	alerts, err := service.ListRecent(10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts recorded = %d, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.Level != types.AlertError || alert.Channel != "alerts" || alert.Title != "Order failed" {
		t.Errorf("alert = %+v, want ERROR/alerts/Order failed", alert)
	}
	if !strings.Contains(alert.Body, "ORD_1") {
		t.Errorf("alert body = %q, want the order reference", alert.Body)
	}

	events, err := recorder.ListByRef("alert", alert.AlertID)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "notification_sent" {
		t.Fatalf("audit trail = %+v, want exactly one notification_sent", events)
	}
	if events[0].Actor != "system" {
		t.Errorf("actor = %q, want system", events[0].Actor)
	}
}

func TestListRecentHonorsLimit(t *testing.T) {
	service, _ := testService(t)

	for i := 0; i < 3; i++ {
		service.Send(types.AlertInfo, "dev", fmt.Sprintf("cycle %d", i), nil)
	}

	alerts, err := service.ListRecent(2)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Errorf("alerts = %d, want 2", len(alerts))
	}
}
