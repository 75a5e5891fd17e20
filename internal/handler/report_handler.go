package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"fengshui-report-be/internal/pkg/logger"
	"fengshui-report-be/internal/pkg/mailer"
	"fengshui-report-be/internal/pkg/serverutils"
	"fengshui-report-be/internal/service"
	internalWS "fengshui-report-be/internal/websocket"
	"fengshui-report-be/pkg/events"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ReportHandler streams report status to browsers and mails the owner when
// a report job ends.
type ReportHandler struct {
	reports     service.IReportService
	hub         *internalWS.Hub
	mailer      mailer.IEmailService
	logger      logger.ILogger
	jwtSecret   string
	defaultUser string
}

func NewReportHandler(
	reports service.IReportService,
	hub *internalWS.Hub,
	mail mailer.IEmailService,
	log logger.ILogger,
	jwtSecret string,
	defaultUser string,
) *ReportHandler {
	return &ReportHandler{
		reports:     reports,
		hub:         hub,
		mailer:      mail,
		logger:      log,
		jwtSecret:   jwtSecret,
		defaultUser: defaultUser,
	}
}

func (h *ReportHandler) RegisterRoutes(r fiber.Router) {
	r.Get("/ws/report/:consultationId", h.ServeWs)
}

// Subscribe attaches the report mail handler to the event bus.
func (h *ReportHandler) Subscribe(sub events.Subscriber) error {
	for _, eventType := range []string{events.ReportCompleted, events.ReportFailed} {
		if err := sub.Subscribe(eventType, "report-mailer-"+strings.ToLower(eventType), h.HandleReportEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", eventType, err)
		}
	}
	return nil
}

// ServeWs upgrades to a websocket that receives report_status updates for
// one consultation. The current status is sent on connect.
func (h *ReportHandler) ServeWs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("consultationId"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}

	// Priority 1: Query Param (Browser standard)
	tokenStr := c.Query("token")
	// Priority 2: Authorization Header
	if tokenStr == "" {
		authHeader := c.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		}
	}

	var email string
	if tokenStr != "" && h.jwtSecret != "" {
		email, err = serverutils.EmailFromToken(tokenStr, h.jwtSecret)
		if err != nil {
			h.logger.Warn("ReportHandler", "Invalid token in WS handshake", map[string]interface{}{"error": err.Error()})
			return err
		}
	}

	status, err := h.reports.Status(c.UserContext(), id, email)
	if err != nil {
		return err
	}
	initial, err := json.Marshal(fiber.Map{"type": "report_status", "data": status})
	if err != nil {
		return err
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.logger.Debug("ReportHandler", "Starting WebSocket session", map[string]interface{}{"consultation_id": id})
		internalWS.ServeWs(h.hub, conn, id, initial)
		h.logger.Debug("ReportHandler", "WebSocket session ended", map[string]interface{}{"consultation_id": id})
	})(c)
}

// HandleReportEvent mails the consultation owner. Anonymous consultations
// and a disabled mailer are skipped.
func (h *ReportHandler) HandleReportEvent(ctx context.Context, evt events.Event) error {
	if h.mailer == nil {
		return nil
	}
	payload := evt.Payload()
	email, _ := payload["email"].(string)
	consultationID, _ := payload["consultation_id"].(string)
	if email == "" || email == h.defaultUser || consultationID == "" {
		return nil
	}

	var err error
	switch evt.EventType() {
	case events.ReportCompleted:
		err = h.mailer.SendReportReady(email, consultationID)
	case events.ReportFailed:
		reason, _ := payload["error"].(string)
		err = h.mailer.SendReportFailed(email, consultationID, reason)
	default:
		return nil
	}
	if err != nil {
		h.logger.Error("ReportHandler", "Report mail failed", map[string]interface{}{
			"consultation_id": consultationID,
			"type":            evt.EventType(),
			"error":           err.Error(),
		})
		return err
	}
	h.logger.Info("ReportHandler", "Report mail sent", map[string]interface{}{
		"consultation_id": consultationID,
		"type":            evt.EventType(),
	})
	return nil
}
