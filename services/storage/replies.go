package storage

import (
	"sdspi-go/bus"
	"sdspi-go/errcode"
	"sdspi-go/types"
)

func (s *Service) replyOK(m *bus.Message) {
	if m.CanReply() {
		s.conn.Reply(m, types.OKReply{OK: true}, false)
	}
}

func (s *Service) replyErr(m *bus.Message, code errcode.Code) {
	if !m.CanReply() {
		return
	}
	if code == "" {
		code = errcode.Error
	}
	s.conn.Reply(m, types.ErrorReply{OK: false, Error: string(code)}, false)
}

func (s *Service) replyFromError(m *bus.Message, err error) {
	s.replyErr(m, errcode.Of(err))
}
