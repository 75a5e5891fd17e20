package websocket

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// ServeWs registers c as a watcher of consultationID and blocks until the
// connection closes. initial, when set, is sent first.
func ServeWs(hub *Hub, c *websocket.Conn, consultationID uuid.UUID, initial []byte) {
	client := &Client{Hub: hub, Conn: c, ConsultationID: consultationID, Send: make(chan []byte, 16), connectedAt: time.Now()}
	if initial != nil {
		client.Send <- initial
	}
	client.Hub.register <- client

	go client.writePump()
	client.readPump()
}
