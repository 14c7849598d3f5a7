package capture

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-agent/internal/audio"
	"github.com/lexiqai/duplex-agent/internal/observability"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64 // events queued per client before dropping
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local clients only; put the agent behind a proxy that checks origins
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is a JSON control or media message from a streaming client.
// Binary websocket messages carry raw PCM16LE instead.
type ClientMessage struct {
	Event      string `json:"event"` // start, media, stop
	SampleRate int    `json:"sampleRate,omitempty"`
	Payload    string `json:"payload,omitempty"` // base64 PCM16LE for media events
}

// Event is pushed to every connected client
type Event struct {
	Event     string            `json:"event"`
	SessionID string            `json:"sessionId,omitempty"`
	State     string            `json:"state,omitempty"`
	Text      string            `json:"text,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Session is one connected audio client
type Session struct {
	id     string
	conn   *websocket.Conn
	framer *audio.Framer
	sink   Sink
	rate   int
	logger zerolog.Logger

	// Events waiting for the writer goroutine
	outbound chan Event
	frames   int
}

// Send queues an event for the client. It never blocks; false means the
// client is not keeping up and the event was dropped.
func (s *Session) Send(ev Event) bool {
	select {
	case s.outbound <- ev:
		return true
	default:
		return false
	}
}

// writeLoop is the only writer of data frames. A failed write closes the
// connection, which ends the read loop.
func (s *Session) writeLoop(done <-chan struct{}) {
	for {
		select {
		case ev := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug().Err(err).Str("event", ev.Event).Msg("Failed to push event")
				s.conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) pushSamples(samples []int16) {
	for _, frame := range s.framer.Write(samples) {
		s.frames++
		s.sink.Push(frame)
	}
}

// readLoop consumes client messages until the connection closes or a stop event arrives
func (s *Session) readLoop() {
	for {
		kind, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if kind == websocket.BinaryMessage {
			s.pushSamples(audio.BytesToSamples(message))
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}

		switch msg.Event {
		case "start":
			if msg.SampleRate != 0 && msg.SampleRate != s.rate {
				s.logger.Warn().
					Int("client_rate", msg.SampleRate).
					Int("expected_rate", s.rate).
					Msg("Client sample rate differs from pipeline rate")
			}
			s.logger.Info().Msg("Audio stream started")

		case "media":
			if msg.Payload == "" {
				s.logger.Warn().Msg("Media event missing payload")
				continue
			}
			data, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to decode base64 audio")
				continue
			}
			s.pushSamples(audio.BytesToSamples(data))

		case "stop":
			s.logger.Info().
				Int("frames", s.frames).
				Int("discarded_samples", s.framer.Pending()).
				Msg("Audio stream stopped")
			return

		default:
			s.logger.Warn().Str("event", msg.Event).Msg("Unknown client event")
		}
	}
}

// StreamServer accepts websocket audio clients and fans agent events out to them
type StreamServer struct {
	sink         Sink
	frameSamples int
	sampleRate   int
	metrics      *observability.Metrics
	logger       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStreamServer creates a server that frames client audio into sink
func NewStreamServer(sink Sink, sampleRate, frameSamples int, metrics *observability.Metrics) *StreamServer {
	return &StreamServer{
		sink:         sink,
		frameSamples: frameSamples,
		sampleRate:   sampleRate,
		metrics:      metrics,
		logger:       observability.ForComponent("capture"),
		sessions:     make(map[string]*Session),
	}
}

// Handler upgrades the request and streams audio until the client leaves
func (s *StreamServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error
			s.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			s.metrics.RecordError("upgrade_failed", "capture")
			return
		}
		defer conn.Close()

		id := observability.NewCorrelationID()
		session := &Session{
			id:       id,
			conn:     conn,
			framer:   audio.NewFramer(s.frameSamples),
			sink:     s.sink,
			rate:     s.sampleRate,
			logger:   observability.WithCorrelationID(id).With().Str("component", "capture").Logger(),
			outbound: make(chan Event, sendBuffer),
		}

		done := make(chan struct{})
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			session.writeLoop(done)
		}()
		defer func() {
			close(done)
			<-writerDone
		}()

		s.add(session)
		defer s.remove(id)

		session.logger.Info().Str("remote", r.RemoteAddr).Msg("Audio client connected")
		session.Send(Event{Event: "connected", SessionID: id, Timestamp: time.Now()})

		session.readLoop()
		session.logger.Info().Msg("Audio client disconnected")
	}
}

// Broadcast queues ev for every connected client without blocking
func (s *StreamServer) Broadcast(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if !sess.Send(ev) {
			sess.logger.Warn().Str("event", ev.Event).Msg("Client not keeping up, dropping event")
			s.metrics.RecordError("event_dropped", "capture")
		}
	}
}

// Sessions returns the number of connected clients
func (s *StreamServer) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *StreamServer) add(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
}

func (s *StreamServer) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// CloseAll sends a close frame to every client. Handlers return once their
// read loop sees the close.
func (s *StreamServer) CloseAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		err := sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		if err != nil {
			sess.conn.Close()
		}
	}
}
