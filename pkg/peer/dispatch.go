package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

func (s *Server) handleFrame(c *client, f transport.Frame) {
	msgs, batch, _, err := codec.DecodeAny(f.Data, s.codec)
	if err != nil {
		s.log.Warning("undecodable frame", "client", c.id, "error", err)
		s.metrics.request("", outcomeInvalid)
		s.reply(c, types.NewErrorResponse(types.ID{}, errorFor(err)))
		return
	}
	if batch {
		go s.handleBatch(c, msgs)
		return
	}

	m := msgs[0]
	if m.Kind() == types.KindRequest {
		go func() {
			if resp := s.handle(c, m); resp != nil {
				s.reply(c, resp)
			}
		}()
		return
	}
	s.handle(c, m)
}

// handleBatch answers the requests of a batch in order and sends the
// responses back as one batch.
func (s *Server) handleBatch(c *client, msgs []*types.Message) {
	var replies []*types.Message
	for _, m := range msgs {
		if resp := s.handle(c, m); resp != nil {
			replies = append(replies, resp)
		}
	}
	if len(replies) == 0 {
		return
	}
	enc, err := codec.EncodeBatch(replies, s.codec)
	if err != nil {
		s.log.Error("encode batch reply", "client", c.id, "error", err)
		return
	}
	s.write(c, enc)
}

// handle runs one message and returns the reply for requests.
func (s *Server) handle(c *client, m *types.Message) *types.Message {
	switch m.Kind() {
	case types.KindResponse:
		s.log.Info("ignoring response from client", "client", c.id, "id", m.IDValue().String())
		return nil

	case types.KindNotification:
		switch m.Method {
		case methodPing:
			s.reply(c, types.NewNotification(methodPong, m.Params))
		case methodPong:
		default:
			if fn := s.lookup(m.Method); fn != nil {
				if _, err := s.invoke(c, fn, m); err != nil {
					s.log.Warning("notification handler failed", "method", m.Method, "error", err)
				}
			}
		}
		return nil
	}

	id := m.IDValue()
	if m.Method == methodPing {
		var result any = "pong"
		if m.Params != nil {
			result = m.Params
		}
		return types.NewResponse(id, result)
	}

	fn := s.lookup(m.Method)
	if fn == nil {
		s.metrics.request("", outcomeNotFound)
		return types.NewErrorResponse(id, types.NewRPCError(types.CodeMethodNotFound, "method not found: "+m.Method))
	}
	result, err := s.invoke(c, fn, m)
	if err != nil {
		var rpcErr *types.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = types.NewRPCError(types.CodeInternalError, err.Error())
		}
		s.metrics.request(m.Method, outcomeError)
		return types.NewErrorResponse(id, rpcErr)
	}
	s.metrics.request(m.Method, outcomeOK)
	return types.NewResponse(id, result)
}

func (s *Server) lookup(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.methods[method]
}

// invoke runs fn, turning a panic into an error.
func (s *Server) invoke(c *client, fn HandlerFunc, m *types.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "method", m.Method, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(c.ctx, m.Params)
}

func (s *Server) reply(c *client, m *types.Message) {
	enc, err := codec.Encode(m, s.codec)
	if err != nil {
		s.log.Error("encode reply", "client", c.id, "method", m.Method, "error", err)
		if m.Kind() != types.KindResponse || m.Error != nil {
			return
		}
		// The result could not be encoded; answer with the reason instead.
		fallback := types.NewErrorResponse(m.IDValue(), types.NewRPCError(types.CodeInternalError, err.Error()))
		if enc, err = codec.Encode(fallback, s.codec); err != nil {
			return
		}
	}
	s.write(c, enc)
}

func (s *Server) write(c *client, enc *codec.Encoded) {
	ctx, cancel := context.WithTimeout(c.ctx, s.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, frameOf(enc)); err != nil {
		s.log.Warning("write to client failed", "client", c.id, "error", err)
	}
}

func frameOf(enc *codec.Encoded) transport.Frame {
	typ := transport.MessageText
	if enc.Compressed {
		typ = transport.MessageBinary
	}
	return transport.Frame{Type: typ, Data: enc.Payload}
}

// errorFor maps a decode failure to the JSON-RPC error sent back.
func errorFor(err error) *types.RPCError {
	var (
		validation *types.ValidationError
		invalid    *codec.InvalidRequestError
		batch      *codec.BatchError
		tooLarge   *codec.PayloadTooLargeError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalid), errors.As(err, &batch), errors.As(err, &tooLarge):
		return types.NewRPCError(types.CodeInvalidRequest, err.Error())
	default:
		return types.NewRPCError(types.CodeParseError, err.Error())
	}
}
