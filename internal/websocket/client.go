package websocket

import (
	"encoding/json"
	"time"

	"fengshui-report-be/internal/entity"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	frameWriteWait  = 10 * time.Second
	idleTimeout     = 60 * time.Second
	heartbeatPeriod = (idleTimeout * 9) / 10

	// Watchers only listen; anything larger than a control frame is noise.
	maxInboundFrame = 512
)

// Client is one browser tab watching the report job of a consultation.
type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	ConsultationID uuid.UUID

	// Send carries encoded report_status frames from the hub.
	Send chan []byte

	connectedAt time.Time
}

type statusFrame struct {
	Type string `json:"type"`
	Data struct {
		Status string `json:"status"`
	} `json:"data"`
}

// finalStatus returns the report status carried by frame when it ends the
// job, or "" for progress frames and anything unparsable.
func finalStatus(frame []byte) string {
	var f statusFrame
	if err := json.Unmarshal(frame, &f); err != nil || f.Type != "report_status" {
		return ""
	}
	switch entity.ReportStatus(f.Data.Status) {
	case entity.ReportStatusCompleted, entity.ReportStatusFailed:
		return f.Data.Status
	}
	return ""
}

func (c *Client) fields(extra map[string]interface{}) map[string]interface{} {
	f := map[string]interface{}{
		"consultation_id": c.ConsultationID.String(),
		"connected_for":   time.Since(c.connectedAt).Round(time.Millisecond).String(),
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// readPump keeps the idle deadline fresh and notices when the tab goes away.
// Inbound frames are discarded.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxInboundFrame)
	c.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("REPORT_WS", "Report watcher dropped", c.fields(map[string]interface{}{
					"error": err.Error(),
				}))
			}
			return
		}
	}
}

// writePump forwards report_status frames and heartbeats. Once a completed
// or failed status has been written the watcher is closed normally, since no
// further update can follow.
func (c *Client) writePump() {
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer func() {
		heartbeat.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "watcher removed"))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Hub.logger.Warn("REPORT_WS", "Failed to push report status", c.fields(map[string]interface{}{
					"error": err.Error(),
				}))
				return
			}
			if status := finalStatus(frame); status != "" {
				c.Hub.logger.Info("REPORT_WS", "Report watcher finished", c.fields(map[string]interface{}{
					"status": status,
				}))
				c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "report "+status))
				return
			}
		case <-heartbeat.C:
			c.Conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
