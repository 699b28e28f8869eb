package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"mind-matrix/internal/broadcast"
	"mind-matrix/internal/game"
	"mind-matrix/internal/store"
)

// WSHandler upgrades player connections and wires each one to its own game
// client. The connection owns the client: closing one tears down the other.
type WSHandler struct {
	store    *store.Store
	bus      broadcast.Bus
	upgrader websocket.Upgrader
}

func NewWSHandler(st *store.Store, bus broadcast.Bus) *WSHandler {
	return &WSHandler{
		store: st,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	AnswerIndex *int `json:"answerIndex"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs the session until the peer hangs up.
// All writes go through a single writer goroutine; state snapshots arriving
// faster than the peer reads them are dropped, since each snapshot carries
// the full state and the next one supersedes it.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	playerID := r.URL.Query().Get("playerId")
	name := r.URL.Query().Get("name")
	if code == "" || playerID == "" {
		http.Error(w, "missing code or playerId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage, 32)
	closed := make(chan struct{})
	writerDone := make(chan struct{})

	push := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-closed:
		default:
		}
	}

	client := game.NewClient(h.store, h.bus, game.WithOnChange(func(s game.State) {
		push(outboundMessage{Type: "state", Payload: s})
	}))
	defer client.Close()

	state, err := client.Join(r.Context(), code, playerID, name)
	if err != nil {
		// Nothing else has written yet, so the error frame can go out
		// directly before the connection drops.
		_ = conn.WriteJSON(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	push(outboundMessage{Type: "joined", Payload: state})

	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-send:
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("ws write error: %v", err)
					return
				}
			case <-closed:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "select":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AnswerIndex == nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: "invalid select payload"}})
				continue
			}
			client.Select(*payload.AnswerIndex)
		case "submit":
			index := client.State().Selected
			if len(inbound.Payload) > 0 {
				var payload answerPayload
				if err := json.Unmarshal(inbound.Payload, &payload); err == nil && payload.AnswerIndex != nil {
					index = *payload.AnswerIndex
				}
			}
			if err := client.Submit(r.Context(), index); err != nil {
				push(outboundMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			}
		default:
			push(outboundMessage{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}

	client.Close()
	close(closed)
	<-writerDone
}
