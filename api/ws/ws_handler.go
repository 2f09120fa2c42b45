package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/zlnvch/inkroom/models"
	"github.com/zlnvch/inkroom/presence"
	"github.com/zlnvch/inkroom/service"
)

const Subprotocol = "inkroom-v1"

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{Subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The token travels as the
// second subprotocol entry because browsers cannot set headers on upgrade.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	if len(protocolsSplit) != 2 || strings.TrimSpace(protocolsSplit[0]) != Subprotocol {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := strings.TrimSpace(protocolsSplit[1])

	identity, authErr := h.Service.AuthenticateToken(token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	connUUID, err := uuid.NewV4()
	if err != nil {
		log.Printf("Failed to generate connection id: %v", err)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, presence.ConnectionId(connUUID.String()), identity, h.HandleWsMessage)
	if err := h.Hub.Register(client); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Too many connections"),
		)
		conn.Close()
		return
	}

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomMessage struct {
	RoomId string `json:"roomId"`
}

type mutateMessage struct {
	RoomId string              `json:"roomId"`
	Action service.ActionInput `json:"action"`
}

const (
	requestJoin   = "join"
	requestMutate = "mutate"
	requestUndo   = "undo"
	requestRedo   = "redo"
	requestClear  = "clear"
	requestLeave  = "leave"
)

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		h.sendError(client, "", service.ValidationError("invalid message"))
		return
	}

	ctx := context.Background()

	switch msg.Type {
	case requestJoin:
		var roomMsg roomMessage
		if err := json.Unmarshal(msg.Data, &roomMsg); err != nil {
			h.sendError(client, msg.Type, service.ValidationError("invalid join data"))
			return
		}
		h.handleJoin(ctx, client, roomMsg.RoomId)

	case requestMutate:
		var mutateMsg mutateMessage
		if err := json.Unmarshal(msg.Data, &mutateMsg); err != nil {
			h.sendError(client, msg.Type, service.ValidationError("invalid mutate data"))
			return
		}
		if !h.inRoom(client, msg.Type, mutateMsg.RoomId) {
			return
		}
		if _, err := h.Service.Mutate(ctx, client.identity, mutateMsg.RoomId, mutateMsg.Action); err != nil {
			h.sendError(client, msg.Type, err)
		}

	case requestUndo, requestRedo, requestClear:
		var roomMsg roomMessage
		if err := json.Unmarshal(msg.Data, &roomMsg); err != nil {
			h.sendError(client, msg.Type, service.ValidationError("invalid "+msg.Type+" data"))
			return
		}
		if !h.inRoom(client, msg.Type, roomMsg.RoomId) {
			return
		}

		var err error
		switch msg.Type {
		case requestUndo:
			_, _, err = h.Service.Undo(ctx, client.identity, roomMsg.RoomId)
		case requestRedo:
			_, _, err = h.Service.Redo(ctx, client.identity, roomMsg.RoomId)
		default:
			_, err = h.Service.Clear(ctx, client.identity, roomMsg.RoomId)
		}
		if err != nil {
			h.sendError(client, msg.Type, err)
		}

	case requestLeave:
		h.Hub.Leave(client)

	default:
		log.Printf("Unknown message type: %v", msg.Type)
		h.sendError(client, msg.Type, service.ValidationError("unknown message type"))
	}
}

// handleJoin registers the session before reading the log, so anything
// committed after the read is also delivered live. Clients drop live events
// whose index they already hold.
func (h *Handler) handleJoin(ctx context.Context, client *Client, roomId string) {
	// Unknown boards are refused before the client touches room membership
	if err := h.Service.RoomExists(ctx, roomId); err != nil {
		h.sendError(client, requestJoin, err)
		return
	}

	if err := h.Hub.Join(ctx, client, roomId); err != nil {
		h.sendError(client, requestJoin, err)
		return
	}

	state, err := h.Service.LoadRoom(ctx, roomId)
	if err != nil {
		h.Hub.Leave(client)
		h.sendError(client, requestJoin, err)
		return
	}

	h.send(client, models.Event{Type: models.EventHistory, Data: state.HistoryData()})
	h.Service.PublishRoster(ctx, roomId)
}

func (h *Handler) inRoom(client *Client, request string, roomId string) bool {
	current, ok := h.Hub.Registry().RoomOf(client.id)
	if !ok || current != roomId {
		h.sendError(client, request, service.ValidationError("join the room first"))
		return false
	}
	return true
}

func (h *Handler) send(client *Client, event models.Event) {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event.Type, err)
		return
	}
	if !client.enqueue(msgBytes) {
		log.Printf("Dropping %s for connection %s: send queue full", event.Type, client.id)
	}
}

// sendError reports err to the requesting connection only.
func (h *Handler) sendError(client *Client, request string, err error) {
	code := service.CodeOf(err)
	if code == service.CodeInternal {
		log.Printf("%s failed for identity %s: %v", request, client.identity.Id, err)
	}
	h.send(client, models.Event{
		Type: models.EventError,
		Data: service.ErrorData{Code: code, Message: service.PublicMessage(err), Request: request},
	})
}
