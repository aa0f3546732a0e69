package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/labhub-core/internal/auth"
	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
	"github.com/nerrad567/labhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

// Frame types on the event stream.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

// AllEvents subscribes to every hub event.
const AllEvents = "*"

const (
	viewerQueueSize = 256

	// maxDrops is how many consecutive frames a viewer may miss before it
	// is disconnected.
	maxDrops = 32

	defaultMaxMessageSize = 8192
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
)

// Frame is one message on the event stream, in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Hub     string          `json:"hub,omitempty"`
	Time    string          `json:"time,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscription selects which events a viewer receives. Things narrows
// actuate, undo and redo events to the named things; empty means all.
type Subscription struct {
	Events []string `json:"events"`
	Things []string `json:"things,omitempty"`
}

// Stream relays hub events to WebSocket viewers. It implements
// telemetry.Broadcaster.
type Stream struct {
	logger    *logging.Logger
	readLimit int64
	ping      time.Duration
	pong      time.Duration

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	closed  bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewStream creates an event stream. Zero config fields take defaults.
func NewStream(cfg config.WebSocketConfig, logger *logging.Logger) *Stream {
	s := &Stream{
		logger:    logger,
		readLimit: defaultMaxMessageSize,
		ping:      defaultPingInterval,
		pong:      defaultPongTimeout,
		viewers:   make(map[*viewer]struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		s.readLimit = int64(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 {
		s.ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		s.pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return s
}

// Emit encodes ev once and queues it for every viewer subscribed to it.
func (s *Stream) Emit(_ context.Context, ev telemetry.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		s.logger.Error("encoding stream event", "event", ev.Name, "error", err)
		return
	}
	data, err := json.Marshal(Frame{
		Type:    FrameEvent,
		Event:   ev.Name,
		Hub:     ev.Hub,
		Time:    ev.Time.UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	if err != nil {
		s.logger.Error("encoding stream frame", "event", ev.Name, "error", err)
		return
	}

	thing := eventThing(ev)
	for _, v := range s.snapshot() {
		if v.wants(ev.Name, thing) {
			v.queue(data)
		}
	}
}

// eventThing returns the thing an actuation event concerns, or "".
func eventThing(ev telemetry.Event) string {
	switch p := ev.Payload.(type) {
	case telemetry.ActuatePayload:
		return p.Thing
	case *telemetry.ActuatePayload:
		return p.Thing
	}
	return ""
}

func (s *Stream) snapshot() []*viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*viewer, 0, len(s.viewers))
	for v := range s.viewers {
		out = append(out, v)
	}
	return out
}

func (s *Stream) add(v *viewer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.viewers[v] = struct{}{}
	return true
}

func (s *Stream) remove(v *viewer) {
	s.mu.Lock()
	delete(s.viewers, v)
	n := len(s.viewers)
	s.mu.Unlock()
	v.shut()
	s.logger.Debug("viewer left", "subject", v.subject, "viewers", n)
}

// ClientCount returns the number of connected viewers.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.viewers)
}

// Close disconnects every viewer and refuses new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	viewers := s.viewers
	s.viewers = make(map[*viewer]struct{})
	s.mu.Unlock()

	for v := range viewers {
		v.shut()
		v.conn.Close()
	}
}

// viewer is one WebSocket connection. The out channel is closed exactly
// once, by shut, under mu.
type viewer struct {
	stream  *Stream
	conn    *websocket.Conn
	subject string
	role    auth.Role

	mu     sync.Mutex
	out    chan []byte
	done   bool
	drops  int
	events map[string]bool
	things map[string]bool
}

func (v *viewer) wants(event, thing string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.events[AllEvents] && !v.events[event] {
		return false
	}
	return thing == "" || len(v.things) == 0 || v.things[thing]
}

// queue hands data to the writer without blocking. A viewer that keeps
// falling behind is disconnected.
func (v *viewer) queue(data []byte) {
	v.mu.Lock()
	if v.done {
		v.mu.Unlock()
		return
	}
	select {
	case v.out <- data:
		v.drops = 0
		v.mu.Unlock()
		return
	default:
	}
	v.drops++
	slow := v.drops >= maxDrops
	v.mu.Unlock()

	if slow {
		v.stream.logger.Warn("disconnecting slow viewer", "subject", v.subject, "dropped", maxDrops)
		v.conn.Close()
	}
}

func (v *viewer) shut() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.done {
		v.done = true
		close(v.out)
	}
}

func (v *viewer) reply(id, typ string, body any) {
	f := Frame{Type: typ, ID: id, Time: time.Now().UTC().Format(time.RFC3339Nano)}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return
		}
		f.Payload = raw
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	v.queue(data)
}

func (v *viewer) fail(id, msg string) {
	v.reply(id, FrameError, map[string]string{"message": msg})
}

// handleWebSocket upgrades a request carrying a ticket from
// POST /auth/ws-ticket. Each ticket opens one connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "subject", entry.subject, "error", err)
		return
	}

	v := &viewer{
		stream:  s.stream,
		conn:    conn,
		subject: entry.subject,
		role:    entry.role,
		out:     make(chan []byte, viewerQueueSize),
		events:  make(map[string]bool),
		things:  make(map[string]bool),
	}
	if !s.stream.add(v) {
		conn.Close()
		return
	}
	s.logger.Debug("viewer joined", "subject", v.subject, "role", v.role, "viewers", s.stream.ClientCount())

	go v.write()
	go v.read()
}

func (v *viewer) read() {
	defer func() {
		v.stream.remove(v)
		v.conn.Close()
	}()

	deadline := func() time.Time { return time.Now().Add(v.stream.ping + v.stream.pong) }
	v.conn.SetReadLimit(v.stream.readLimit)
	_ = v.conn.SetReadDeadline(deadline())
	v.conn.SetPongHandler(func(string) error { return v.conn.SetReadDeadline(deadline()) })

	for {
		var f Frame
		if err := v.conn.ReadJSON(&f); err != nil {
			var (
				syntax   *json.SyntaxError
				mismatch *json.UnmarshalTypeError
			)
			switch {
			case errors.As(err, &syntax) || errors.As(err, &mismatch):
				v.fail("", "malformed frame")
				continue
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				v.stream.logger.Warn("viewer read failed", "subject", v.subject, "error", err)
			}
			return
		}
		_ = v.conn.SetReadDeadline(deadline())
		v.handle(f)
	}
}

func (v *viewer) write() {
	ping := time.NewTicker(v.stream.ping)
	defer func() {
		ping.Stop()
		v.conn.Close()
	}()

	for {
		var (
			kind = websocket.PingMessage
			data []byte
		)
		select {
		case msg, ok := <-v.out:
			if !ok {
				_ = v.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(v.stream.pong))
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ping.C:
		}
		_ = v.conn.SetWriteDeadline(time.Now().Add(v.stream.pong))
		if err := v.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (v *viewer) handle(f Frame) {
	switch f.Type {
	case FramePing:
		v.reply(f.ID, FramePong, nil)
	case FrameSubscribe, FrameUnsubscribe:
		var sub Subscription
		if len(f.Payload) == 0 || json.Unmarshal(f.Payload, &sub) != nil || len(sub.Events) == 0 && len(sub.Things) == 0 {
			v.fail(f.ID, f.Type+" needs events or things")
			return
		}
		v.apply(f.Type == FrameSubscribe, sub)
		v.reply(f.ID, FrameAck, v.current())
	default:
		v.fail(f.ID, "unknown frame type "+f.Type)
	}
}

func (v *viewer) apply(on bool, sub Subscription) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range sub.Events {
		if on {
			v.events[e] = true
		} else {
			delete(v.events, e)
		}
	}
	for _, t := range sub.Things {
		if on {
			v.things[t] = true
		} else {
			delete(v.things, t)
		}
	}
}

// current returns the viewer's subscription in sorted order.
func (v *viewer) current() Subscription {
	v.mu.Lock()
	defer v.mu.Unlock()
	sub := Subscription{Events: make([]string, 0, len(v.events))}
	for e := range v.events {
		sub.Events = append(sub.Events, e)
	}
	for t := range v.things {
		sub.Things = append(sub.Things, t)
	}
	slices.Sort(sub.Events)
	slices.Sort(sub.Things)
	return sub
}
