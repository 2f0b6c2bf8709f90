package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/protocol"
	"github.com/ent0n29/companion/internal/ratelimit"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 45 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	conv, err := s.chat.Conversation(userID)
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")
	logger := s.logger.With(zap.String("user_id", userID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 256)
	push := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; drop when the client is not keeping up.
			logger.Warn("ws outbound queue full, dropping message")
		}
	}

	unsubscribe := s.chat.Subscribe(userID, func(st ratelimit.Status) {
		push(s.rateEvent(st))
	})
	defer unsubscribe()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		defer cancel()
		s.runConnection(ctx, userID, conv, inbound, push)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				s.drainOutbound(conn, outbound)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
				}
			case msg := <-outbound:
				if err := s.writeMessage(conn, msg); err != nil {
					logger.Debug("ws write failed", zap.Error(err))
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			push(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// runConnection handles client messages one at a time for the lifetime of the
// socket. It returns when the session ends or the socket goes away. conv only
// seeds the first history event; later actions resolve the user's current
// conversation so a REST re-login is picked up.
func (s *Server) runConnection(ctx context.Context, userID string, conv *chat.Conversation, inbound <-chan any, push func(any)) {
	push(historyEvent(conv))
	push(s.rateEvent(conv.RateStatus(ctx)))

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if !s.handleInbound(ctx, userID, msg, push) {
				return
			}
		}
	}
}

func (s *Server) handleInbound(ctx context.Context, userID string, msg any, push func(any)) bool {
	switch m := msg.(type) {
	case protocol.UserMessage:
		ex, err := s.chat.Send(ctx, userID, m.Text)
		if err != nil {
			push(errorEvent(err, m.ClientMsgID))
			var limited *chat.RateLimitedError
			if errors.As(err, &limited) {
				push(s.rateEvent(limited.Status))
			}
			return !sessionGone(err)
		}
		push(protocol.TurnEvent{Type: protocol.TypeTurn, Turn: wireTurn(ex.UserTurn), ClientMsgID: m.ClientMsgID})
		push(protocol.TurnEvent{
			Type:        protocol.TypeTurn,
			Turn:        wireTurn(ex.Reply),
			Failed:      ex.Failed,
			Retryable:   ex.Retryable,
			ClientMsgID: m.ClientMsgID,
		})
		push(s.rateEvent(ex.RateLimit))
	case protocol.ClientControl:
		switch m.Action {
		case protocol.ActionClear:
			if err := s.chat.Clear(ctx, userID); err != nil {
				push(errorEvent(err, ""))
				return !sessionGone(err)
			}
			push(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "cleared"})
			return s.pushCurrentHistory(userID, push)
		case protocol.ActionHistory:
			return s.pushCurrentHistory(userID, push)
		case protocol.ActionPing:
			push(protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "pong"})
		}
	}
	return true
}

func (s *Server) pushCurrentHistory(userID string, push func(any)) bool {
	conv, err := s.chat.Conversation(userID)
	if err != nil {
		push(errorEvent(err, ""))
		return false
	}
	push(historyEvent(conv))
	return true
}

func sessionGone(err error) bool {
	return errors.Is(err, chat.ErrNoSession) || errors.Is(err, chat.ErrLoggedOut)
}

func errorEvent(err error, clientMsgID string) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:        protocol.TypeErrorEvent,
		Source:      "chat",
		Detail:      err.Error(),
		ClientMsgID: clientMsgID,
	}
	var limited *chat.RateLimitedError
	switch {
	case errors.As(err, &limited):
		ev.Code = "rate_limited"
		ev.Retryable = true
	case errors.Is(err, chat.ErrBusy):
		ev.Code = "busy"
		ev.Retryable = true
	case errors.Is(err, chat.ErrEmptyMessage):
		ev.Code = "empty_message"
	case sessionGone(err):
		ev.Code = "session_not_found"
	default:
		ev.Code = "internal"
		ev.Detail = "internal error"
	}
	return ev
}

func historyEvent(conv *chat.Conversation) protocol.History {
	turns := conv.Messages()
	out := protocol.History{Type: protocol.TypeHistory, Turns: make([]protocol.Turn, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, wireTurn(t))
	}
	if len(out.Turns) == 0 {
		out.Greeting = conv.Greeting()
	}
	return out
}

func wireTurn(t memory.Turn) protocol.Turn {
	return protocol.Turn{ID: t.ID, Sender: string(t.Role), Text: t.Text, Timestamp: t.Timestamp}
}

func (s *Server) rateEvent(st ratelimit.Status) protocol.RateLimitStatus {
	return protocol.RateLimitStatus{
		Type:    protocol.TypeRateLimitStatus,
		Count:   st.Count,
		Limit:   st.Limit,
		Allowed: st.Allowed,
		ResetAt: st.ResetAt,
		Wait:    ratelimit.TimeUntilReset(st, s.now()),
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessage("outbound", string(t))
	}
	return nil
}

func (s *Server) drainOutbound(conn *websocket.Conn, outbound <-chan any) {
	for {
		select {
		case msg := <-outbound:
			if err := s.writeMessage(conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TurnEvent:
		return m.Type, true
	case protocol.History:
		return m.Type, true
	case protocol.RateLimitStatus:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
