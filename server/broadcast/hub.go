// Package broadcast pushes best-effort live events to connected patient &
// contact UIs. Delivery is at-most-once & fire-and-forget - guaranteed
// delivery is the notification dispatcher's job, this channel only updates
// screens that happen to be open.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/vitaltag/vitaltag/server/hospitals"
	"go.uber.org/zap"
)

const (
	ACCESS_ALERT_EVENT     = "access-alert"
	ACCESS_CANCELLED_EVENT = "access-cancelled"

	sendBufferSize = 256
)

// Event is the structured alert published to both of a patient's groups.
// Field names are stable - contact & patient UIs key off them.
type Event struct {
	Type            string                `json:"type"`
	PatientName     string                `json:"patientName"`
	PatientID       uint                  `json:"patientId"`
	AccessorName    string                `json:"accessorName,omitempty"`
	AccessorRole    string                `json:"accessorRole,omitempty"`
	TrustLevel      string                `json:"trustLevel,omitempty"`
	Location        string                `json:"location,omitempty"`
	NearestHospital string                `json:"nearestHospital,omitempty"`
	NearbyHospitals []hospitals.Candidate `json:"nearbyHospitals,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
}

// ContactsGroup & PatientGroup name the two logical broadcast groups kept
// per patient.
func ContactsGroup(patientID uint) string {
	return fmt.Sprintf("patient:%v:contacts", patientID)
}

func PatientGroup(patientID uint) string {
	return fmt.Sprintf("patient:%v:self", patientID)
}

type client struct {
	id     string
	groups []string
	send   chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // group -> subscribers
	logg    *zap.SugaredLogger
}

func NewHub(logg *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logg:    logg,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, group := range c.groups {
		if h.clients[group] == nil {
			h.clients[group] = make(map[*client]struct{})
		}
		h.clients[group][c] = struct{}{}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, group := range c.groups {
		if subscribers, ok := h.clients[group]; ok {
			if _, stillThere := subscribers[c]; !stillThere {
				continue
			}
			delete(subscribers, c)
			if len(subscribers) == 0 {
				delete(h.clients, group)
			}
		}
	}
	close(c.send)
}

// PublishAccessAlert fans the event out to the patient's contacts group &
// patient group. No subscribers connected means the event is simply gone.
func (h *Hub) PublishAccessAlert(event Event) {
	event.Type = ACCESS_ALERT_EVENT
	h.publishToPatientGroups(event)
}

// PublishAccessCancelled republishes a cancellation marker to the same
// groups, used by the panic-button flow.
func (h *Hub) PublishAccessCancelled(event Event) {
	event.Type = ACCESS_CANCELLED_EVENT
	h.publishToPatientGroups(event)
}

func (h *Hub) publishToPatientGroups(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logg.Errorf("broadcast: unable to marshal %v event: %v", event.Type, err)
		return
	}

	h.broadcast(ContactsGroup(event.PatientID), data)
	h.broadcast(PatientGroup(event.PatientID), data)
}

func (h *Hub) broadcast(group string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[group] {
		select {
		case c.send <- data:
		default:
			// Slow consumer - drop rather than block the publisher.
		}
	}
}

// SubscriberCount reports how many clients are attached to a group.
func (h *Hub) SubscriberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[group])
}

// ---------------------------------------------------------------------------------//
// WebSocket plumbing
// --------------------------------------------------------------------------------//

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request & subscribes the connection to the given
// groups until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, groups []string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		id:     uuid.NewString(),
		groups: groups,
		send:   make(chan []byte, sendBufferSize),
	}
	h.register(c)

	go h.writePump(c, conn)
	go h.readPump(c, conn)

	return nil
}

func (h *Hub) readPump(c *client, conn *gorillaws.Conn) {
	defer func() {
		h.unregister(c)
		conn.Close()
	}()

	// Inbound messages are ignored; the read loop only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client, conn *gorillaws.Conn) {
	defer conn.Close()

	for message := range c.send {
		if err := conn.WriteMessage(gorillaws.TextMessage, message); err != nil {
			return
		}
	}
}
