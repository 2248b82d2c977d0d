/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

const (
	// pingInterval keeps intermediaries from idling the connection out.
	pingInterval = 15 * time.Second
	// writeTimeout is how long one frame may take before the client counts
	// as hung and is disconnected.
	writeTimeout = 5 * time.Second
	// outboxSize bounds undelivered broadcasts per session. A client that
	// falls this far behind is shed rather than allowed to stall the room.
	outboxSize = 64
)

// Session is one connected signaling client. Until room:join succeeds it is
// anonymous; afterwards it is bound to a participant row and a set of
// channels. All request handling is serialized per session by the read loop.
type Session struct {
	hub    *Hub
	conn   *ws.Conn
	logger zerolog.Logger
	id     string

	// handshakeToken is the optional ?token= from the upgrade URL. Browser
	// clients cannot set Authorization headers on WebSocket dials; join
	// uses it when the payload carries no token. Set before the read loop
	// starts, read-only after.
	handshakeToken string

	outbox chan []byte
	done   chan struct{}

	mu            sync.RWMutex
	roomID        string
	participantID string
	displayName   string
	userID        string
	authenticated bool
	waiting       bool
	joinedAt      time.Time
	mixClientID   string
	terminated    bool

	disconnectOnce sync.Once
	closeOnce      sync.Once
}

func newSession(h *Hub, conn *ws.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		hub:    h,
		conn:   conn,
		logger: h.logger.With().Str("session_id", id).Logger(),
		id:     id,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// HandleWS upgrades the request and runs the session until the client leaves
// or the connection breaks. Mounted at /ws/call-center.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}

	s := newSession(h, conn)
	s.handshakeToken = strings.TrimSpace(r.URL.Query().Get("token"))
	telemetry.SessionsActive.Inc()
	defer telemetry.SessionsActive.Dec()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("session connected")
	s.run(r.Context())
	s.logger.Debug().Msg("session finished")
}

// run owns the connection lifecycle: a write loop in the background, the
// read loop in the caller, and full teardown once either side ends.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop(ctx)
	s.readLoop(ctx)

	// Reader is done: client closed, network died, or we shed the session.
	// Either way the room presence goes with it.
	s.disconnect(context.Background())
	s.closeConn(ws.StatusNormalClosure, "")
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) == ws.StatusNormalClosure || ws.CloseStatus(err) == ws.StatusGoingAway {
				return
			}
			s.logger.Debug().Err(err).Msg("websocket read ended")
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("invalid frame")
			continue
		}
		if msg.Event == "" || msg.Event == "pong" {
			continue
		}
		s.handleRequest(ctx, msg)
	}
}

// handleRequest dispatches one inbound frame and sends exactly one reply when
// the frame carries a request id.
func (s *Session) handleRequest(ctx context.Context, msg wireMessage) {
	telemetry.SessionMessagesTotal.WithLabelValues(msg.Event).Inc()

	result, err := s.dispatch(ctx, msg.Event, msg.Data)
	if err != nil {
		telemetry.SessionErrorsTotal.WithLabelValues(msg.Event).Inc()
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("request failed")
	}
	if msg.ID == nil {
		return
	}
	s.reply(*msg.ID, result, err)
}

// reply sends the structured reply frame: {success: true, ...} on success,
// {error} on failure.
func (s *Session) reply(id int64, result events.Payload, err error) {
	data := make(events.Payload, len(result)+1)
	if err != nil {
		data["error"] = err.Error()
	} else {
		for k, v := range result {
			data[k] = v
		}
		data["success"] = true
	}

	raw, merr := json.Marshal(data)
	if merr != nil {
		s.logger.Error().Err(merr).Int64("request_id", id).Msg("marshal reply")
		raw = []byte(`{"error":"internal error"}`)
	}
	frame, merr := json.Marshal(wireMessage{ID: &id, Event: "reply", Data: raw})
	if merr != nil {
		s.logger.Error().Err(merr).Int64("request_id", id).Msg("marshal reply frame")
		return
	}
	s.enqueue(frame)
}

func (s *Session) writeLoop(ctx context.Context) {
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case frame := <-s.outbox:
			if err := s.write(ctx, frame); err != nil {
				s.logger.Debug().Err(err).Msg("write failed, dropping session")
				s.closeConn(ws.StatusInternalError, "write failed")
				return
			}

		case <-pings.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping failed, dropping session")
				s.closeConn(ws.StatusInternalError, "ping failed")
				return
			}
		}
	}
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, ws.MessageText, frame)
}

// enqueue hands a frame to the write loop. A full outbox means the client is
// not draining; it is shed so one slow reader cannot back-pressure the room.
func (s *Session) enqueue(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.outbox <- frame:
	default:
		s.logger.Warn().Msg("outbox full, shedding slow session")
		s.closeConn(ws.StatusPolicyViolation, "client too slow")
	}
}

// closeConn closes the socket once; later calls are no-ops.
func (s *Session) closeConn(code ws.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close(code, reason)
		}
	})
}

// forceClose tears down room presence and the socket, used when the room
// disappears underneath the session.
func (s *Session) forceClose(reason string) {
	s.disconnect(context.Background())
	s.closeConn(ws.StatusGoingAway, reason)
}

// Accessors. Handlers and the hub read session identity through these so the
// mutex stays inside.

func (s *Session) participant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantID
}

func (s *Session) room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

func (s *Session) name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) user() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) isWaiting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waiting
}

func (s *Session) setRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

func (s *Session) setAdmitted() {
	s.mu.Lock()
	s.waiting = false
	s.mu.Unlock()
}

func (s *Session) setMixClient(clientID string) {
	s.mu.Lock()
	s.mixClientID = clientID
	s.mu.Unlock()
}

func (s *Session) mixClient() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mixClientID != "" {
		return s.mixClientID
	}
	return s.participantID
}

// dispatch routes one request to its handler. room:join is the only event a
// fresh session may send; waiting participants may only leave. Every branch
// returns the reply payload or an error, never both.
func (s *Session) dispatch(ctx context.Context, event string, data json.RawMessage) (events.Payload, error) {
	if event == "room:join" {
		return s.handleJoin(ctx, data)
	}

	s.mu.RLock()
	joined := s.participantID != ""
	waiting := s.waiting
	terminated := s.terminated
	s.mu.RUnlock()

	if terminated {
		return nil, ErrSessionClosed
	}
	if !joined {
		return nil, ErrNotJoined
	}
	if waiting && event != "room:leave" {
		return nil, ErrWaiting
	}

	switch event {
	// Room membership
	case "room:leave":
		return s.handleLeave(ctx)
	case "room:participants":
		return s.handleListParticipants(ctx)

	// Media negotiation
	case "transport:create":
		return s.handleTransportCreate(ctx, data)
	case "transport:connect":
		return s.handleTransportConnect(ctx, data)
	case "producer:create":
		return s.handleProducerCreate(ctx, data)
	case "consumer:create":
		return s.handleConsumerCreate(ctx, data)
	case "consumer:resume":
		return s.handleConsumerResume(ctx, data)

	// Presence
	case "vad:speaking":
		return s.handleVADSpeaking(ctx, data)
	case "mute:update":
		return s.handleMuteUpdate(ctx, data)
	case "tally:update":
		return s.handleTallyUpdate(ctx, data)

	// Host control
	case "host:kick":
		return s.handleHostKick(ctx, data)
	case "host:close-room":
		return s.handleHostCloseRoom(ctx)
	case "host:admit":
		return s.handleHostAdmit(ctx, data)
	case "host:reject":
		return s.handleHostReject(ctx, data)

	// Cues and chat
	case "cue:send":
		return s.handleCueSend(ctx, data)
	case "cue:clear":
		return s.handleCueClear(ctx, data)
	case "chat:send":
		return s.handleChatSend(ctx, data)
	case "chat:history":
		return s.handleChatHistory(ctx, data)

	// Timers and rundown
	case "timer:create":
		return s.handleTimerCreate(ctx, data)
	case "timer:start":
		return s.handleTimerStart(ctx, data)
	case "timer:pause":
		return s.handleTimerPause(ctx, data)
	case "timer:reset":
		return s.handleTimerReset(ctx, data)
	case "timer:delete":
		return s.handleTimerDelete(ctx, data)
	case "timer:list":
		return s.handleTimerList(ctx)
	case "rundown:save":
		return s.handleRundownSave(ctx, data)
	case "rundown:set-current":
		return s.handleRundownSetCurrent(ctx, data)
	case "rundown:get":
		return s.handleRundownGet(ctx)

	// Recording
	case "recording:start":
		return s.handleRecordingStart(ctx)
	case "recording:stop":
		return s.handleRecordingStop(ctx, data)
	case "recording:list":
		return s.handleRecordingList(ctx)

	// Talkback groups and IFB
	case "talkback:create-group":
		return s.handleTalkbackCreateGroup(ctx, data)
	case "talkback:update-group":
		return s.handleTalkbackUpdateGroup(ctx, data)
	case "talkback:delete-group":
		return s.handleTalkbackDeleteGroup(ctx, data)
	case "talkback:add-member":
		return s.handleTalkbackAddMember(ctx, data)
	case "talkback:remove-member":
		return s.handleTalkbackRemoveMember(ctx, data)
	case "talkback:list-groups":
		return s.handleTalkbackListGroups(ctx)
	case "ifb:start":
		return s.handleIFBStart(ctx, data)
	case "ifb:update":
		return s.handleIFBUpdate(ctx, data)
	case "ifb:end":
		return s.handleIFBEnd(ctx, data)
	case "ifb:list":
		return s.handleIFBList(ctx)

	// Remote DSP control
	case "remote:set-gain":
		return s.handleRemoteSetGain(ctx, data)
	case "remote:set-mute":
		return s.handleRemoteSetMute(ctx, data)
	case "remote:set-eq":
		return s.handleRemoteSetEQ(ctx, data)
	case "remote:set-compressor":
		return s.handleRemoteSetCompressor(ctx, data)
	case "remote:set-gate":
		return s.handleRemoteSetGate(ctx, data)
	case "remote:reset":
		return s.handleRemoteReset(ctx, data)
	case "remote:get-state":
		return s.handleRemoteGetState(ctx, data)
	case "remote:state-response":
		return s.handleRemoteStateResponse(ctx, data)

	// Green rooms
	case "greenroom:create":
		return s.handleGreenRoomCreate(ctx, data)
	case "greenroom:delete":
		return s.handleGreenRoomDelete(ctx, data)
	case "greenroom:list":
		return s.handleGreenRoomList(ctx)
	case "greenroom:move-participant":
		return s.handleGreenRoomMove(ctx, data)
	case "greenroom:update-queue":
		return s.handleGreenRoomUpdateQueue(ctx, data)
	case "greenroom:get-queue":
		return s.handleGreenRoomGetQueue(ctx, data)
	case "greenroom:countdown":
		return s.handleGreenRoomCountdown(ctx, data)

	// Mix coordination
	case "mix:register":
		return s.handleMixRegister(ctx, data)
	case "mix:heartbeat":
		return s.handleMixHeartbeat(ctx, data)
	case "mix:state-change":
		return s.handleMixStateChange(ctx, data)
	case "mix:full-sync":
		return s.handleMixFullSync(ctx, data)
	case "mix:add-channel":
		return s.handleMixAddChannel(ctx, data)
	case "mix:remove-channel":
		return s.handleMixRemoveChannel(ctx, data)
	case "mix:get-state":
		return s.handleMixGetState(ctx)
	case "mix:takeover":
		return s.handleMixTakeover(ctx, data)
	case "mix:persist":
		return s.handleMixPersist(ctx)

	default:
		return nil, errUnknownEvent(event)
	}
}
