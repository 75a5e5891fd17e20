package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"fengshui-report-be/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const clusterChannel = "report_events"

type Hub struct {
	// Registered clients: ConsultationID -> connections watching it
	clients map[uuid.UUID]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	// Redis connection for cross-instance fan-out
	rdb *redis.Client

	// instanceID marks messages this hub published itself
	instanceID string

	logger logger.ILogger
}

// clusterMessage is what travels over redis between instances.
type clusterMessage struct {
	Origin         string          `json:"origin"`
	ConsultationID string          `json:"consultation_id"`
	Message        json.RawMessage `json:"message"`
}

func NewHub(rdb *redis.Client, log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uuid.UUID]map[*Client]struct{}),
		rdb:        rdb,
		instanceID: uuid.NewString(),
		logger:     log,
	}
}

// Run serves registrations until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.rdb != nil {
		go h.subscribeToRedis(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.ConsultationID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.ConsultationID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("REPORT_WS", "Client registered", map[string]interface{}{"consultation_id": client.ConsultationID})

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[client.ConsultationID]; ok {
				if _, ok := set[client]; ok {
					delete(set, client)
					close(client.Send)
				}
				if len(set) == 0 {
					delete(h.clients, client.ConsultationID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the local connections watching consultationID.
func (h *Hub) ClientCount(consultationID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[consultationID])
}

// NotifyReport pushes a report status update to every watcher of the
// consultation on this and, through redis, every other instance.
func (h *Hub) NotifyReport(consultationID uuid.UUID, payload interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"type": "report_status",
		"data": payload,
	})
	if err != nil {
		h.logger.Error("REPORT_WS", "Failed to encode report update", map[string]interface{}{"error": err.Error()})
		return
	}

	h.deliver(consultationID, data)

	if h.rdb != nil {
		msg, _ := json.Marshal(clusterMessage{
			Origin:         h.instanceID,
			ConsultationID: consultationID.String(),
			Message:        data,
		})
		if err := h.rdb.Publish(context.Background(), clusterChannel, msg).Err(); err != nil {
			h.logger.Warn("REPORT_WS", "Redis publish failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (h *Hub) deliver(consultationID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[consultationID] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("REPORT_WS", "Client send buffer full, dropping client", map[string]interface{}{"consultation_id": consultationID})
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) subscribeToRedis(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx, clusterChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var payload clusterMessage
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				h.logger.Warn("REPORT_WS", "Redis message parse error", map[string]interface{}{"error": err.Error()})
				continue
			}
			if payload.Origin == h.instanceID {
				continue
			}
			id, err := uuid.Parse(payload.ConsultationID)
			if err != nil {
				continue
			}
			h.deliver(id, payload.Message)
		}
	}
}
