package session

import (
	"encoding/json"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/spool"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

const (
	methodPing = "ping"
	methodPong = "pong"
)

// handleFrame decodes one inbound frame and dispatches every message in it.
// Frames that fail to decode are dropped; the connection stays up.
func (s *Session) handleFrame(conn transport.Conn, f transport.Frame) {
	s.metrics.bytes(len(f.Data), 0)
	s.record(spool.Inbound, f.Data)

	msgs, batch, _, err := codec.DecodeAny(f.Data, s.codec)
	if err != nil {
		s.metrics.decodeFailed()
		s.log.Warning("dropping undecodable frame", "bytes", len(f.Data), "error", err)
		events.Emit(s.hub, TopicError, ErrorEvent{Op: "decode", Err: err})
		s.rejectUndecodable(f.Data, err)
		return
	}
	if batch {
		s.metrics.received("batch")
	}
	for _, m := range msgs {
		s.dispatch(conn, m)
	}
}

// rejectUndecodable settles the call an invalid response was meant for, when
// its id can still be read.
func (s *Session) rejectUndecodable(data []byte, err error) {
	if codec.IsCompressed(data) {
		return
	}
	var peek struct {
		ID     *types.ID `json:"id"`
		Method string    `json:"method"`
	}
	if json.Unmarshal(data, &peek) != nil || peek.ID == nil || peek.Method != "" {
		return
	}
	s.settle(peek.ID.Key(), nil, err, outcomeError)
}

func (s *Session) dispatch(conn transport.Conn, m *types.Message) {
	switch m.Kind() {
	case types.KindResponse:
		s.metrics.received("response")
		var err error
		outcome := outcomeOK
		if m.Error != nil {
			err, outcome = m.Error, outcomeRPCError
		}
		if !s.settle(m.IDValue().Key(), m.Result, err, outcome) {
			s.log.Info("response for unknown request", "id", m.IDValue().String())
		}

	case types.KindNotification:
		s.metrics.received("notification")
		switch m.Method {
		case methodPong:
			if s.acceptPong(m.Params) {
				return
			}
		case methodPing:
			s.answerPing(conn, m)
			return
		}
		s.publish(m)

	case types.KindRequest:
		s.metrics.received("request")
		if m.Method == methodPing {
			s.answerPing(conn, m)
			return
		}
		s.publish(m)
	}
}

// answerPing replies to a peer's ping: a pong notification echoing the
// params, or a response when the ping was a request.
func (s *Session) answerPing(conn transport.Conn, m *types.Message) {
	reply := types.NewNotification(methodPong, m.Params)
	if m.Kind() == types.KindRequest {
		result := m.Params
		if result == nil {
			result = methodPong
		}
		reply = types.NewResponse(m.IDValue(), result)
	}
	if err := s.writeTo(conn, reply); err != nil {
		s.log.Warning("failed to answer ping", "error", err)
	}
}

// publish emits m on the generic and the per-method notification topics.
func (s *Session) publish(m *types.Message) {
	n := Notification{Method: m.Method, Params: m.Params, ID: m.ID}
	delivered := events.Emit(s.hub, TopicNotification, n)
	delivered += events.Emit(s.hub, NotificationTopic(m.Method), n)
	if delivered == 0 && n.IsRequest() {
		s.log.Warning("unhandled server request", "method", m.Method, "id", m.IDValue().String())
	}
}
