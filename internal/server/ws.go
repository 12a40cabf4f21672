package server

import (
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loosailam/ACETS/internal/bus"
)

// wsInbound is a client-to-server websocket message. The path selects
// the operation; unused fields stay empty.
type wsInbound struct {
	ClientID   string `json:"clientId"`
	Path       string `json:"path"`
	AudioChunk string `json:"audioChunk,omitempty"` // base64 PCM
	UserQuery  string `json:"userQuery,omitempty"`
}

// wsOutbound is a server-to-client websocket message.
type wsOutbound struct {
	Path         string `json:"path"`
	ChatResponse string `json:"chatResponse,omitempty"`
	EventType    string `json:"eventType,omitempty"`
}

// wsClient is one connected browser. Writes are serialized; gorilla
// websocket connections allow one concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(msg wsOutbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.Close()
}

// handleWebSocket upgrades the duplex channel a client uses to stream
// microphone audio up and receive chat/event pushes down.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("clientId"))
	if err != nil {
		http.Error(w, "missing or invalid clientId", http.StatusBadRequest)
		return
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	if old := s.clients[id]; old != nil {
		old.close()
	}
	s.clients[id] = client
	s.mu.Unlock()
	s.logger.Info().Str("clientId", id.String()).Msg("Websocket connected")

	defer func() {
		s.mu.Lock()
		if s.clients[id] == client {
			delete(s.clients, id)
		}
		s.mu.Unlock()
		client.close()
		s.logger.Info().Str("clientId", id.String()).Msg("Websocket disconnected")
	}()

	for {
		var msg wsInbound
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Str("clientId", id.String()).Msg("Websocket read error")
			}
			return
		}

		switch msg.Path {
		case "api.audio":
			data, err := base64.StdEncoding.DecodeString(msg.AudioChunk)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Invalid audio chunk encoding")
				continue
			}
			if err := s.pipeline.SubmitAudioChunk(id, data); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to submit audio chunk")
			}

		case "api.chat":
			if !sess.ChatInitialized() {
				if err := s.StartChat(sess); err != nil {
					s.logger.Warn().Err(err).Msg("Failed to seed chat context")
					continue
				}
			}
			chunks, err := s.engine.HandleUserQuery(r.Context(), id, msg.UserQuery)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to start chat turn")
				continue
			}
			for chunk := range chunks {
				s.events.Publish(bus.Event{
					Type:      bus.EventTypeChatResponse,
					SessionID: id,
					Data:      map[string]any{"chatResponse": chunk},
				})
			}

		case "api.stopSpeaking":
			if err := s.sequencer.Stop(id, false); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to stop speaking")
			}

		default:
			s.logger.Warn().Str("path", msg.Path).Msg("Unknown websocket path")
		}
	}
}

// forwardEvent bridges bus events to the session's websocket, if one
// is connected.
func (s *Server) forwardEvent(ev bus.Event) {
	s.mu.Lock()
	client := s.clients[ev.SessionID]
	s.mu.Unlock()
	if client == nil {
		return
	}

	var msg wsOutbound
	switch ev.Type {
	case bus.EventTypeChatResponse:
		text, _ := ev.Data["chatResponse"].(string)
		msg = wsOutbound{Path: "api.chat", ChatResponse: text}
	case bus.EventTypeSynthesizerConnected:
		msg = wsOutbound{Path: "api.event", EventType: "SPEECH_SYNTHESIZER_CONNECTED"}
	case bus.EventTypeSynthesizerDisconnected:
		msg = wsOutbound{Path: "api.event", EventType: "SPEECH_SYNTHESIZER_DISCONNECTED"}
	case bus.EventTypeSpeakingStarted:
		msg = wsOutbound{Path: "api.event", EventType: "SPEAKING_STARTED"}
	case bus.EventTypeSpeakingStopped:
		msg = wsOutbound{Path: "api.event", EventType: "SPEAKING_STOPPED"}
	default:
		return
	}

	if err := client.send(msg); err != nil {
		s.logger.Debug().Err(err).Str("clientId", ev.SessionID.String()).Msg("Failed to push websocket message")
	}
}
