// Package storage puts SD cards on the bus.
//
// Configuration arrives retained on config/storage as types.StorageConfig
// (or its JSON form). Each card then answers requests on
//
//	storage/sd/<name>/control/{init,read,write,status}
//
// and keeps a retained types.CardStatus on storage/sd/<name>/status. The
// service itself reports on storage/state.
//
// All card I/O runs on the service goroutine, one request at a time.
package storage

import (
	"context"
	"log/slog"

	"sdspi-go/bus"
	"sdspi-go/drivers/sdcard"
	"sdspi-go/errcode"
	"sdspi-go/types"
	"sdspi-go/x/logx"
	"sdspi-go/x/timex"
)

type Service struct {
	conn *bus.Connection
	spis SPIFactory
	pins PinFactory
	log  *slog.Logger

	cards   map[string]*card
	pinUsed map[int]string // cs pin -> card name
}

func New(conn *bus.Connection, spis SPIFactory, pins PinFactory) *Service {
	return &Service{
		conn:    conn,
		spis:    spis,
		pins:    pins,
		log:     logx.For(logx.ComponentStorage),
		cards:   map[string]*card{},
		pinUsed: map[int]string{},
	}
}

// Run serves until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(topicConfig())
	ctrlSub := s.conn.Subscribe(ctrlWildcard())
	defer s.conn.Unsubscribe(cfgSub)
	defer s.conn.Unsubscribe(ctrlSub)

	s.publishState("idle", "awaiting_config")
	ready := false
	for {
		select {
		case <-ctx.Done():
			s.publishState("stopped", "context_cancelled")
			return

		case msg := <-cfgSub.Channel():
			if msg.Payload == nil {
				continue
			}
			cfg, code := as[types.StorageConfig](msg.Payload)
			if code != "" {
				s.log.Warn("config rejected", "err", string(code))
				s.publishState("error", "config_invalid")
				continue
			}
			// Additive: cards already attached keep their session.
			s.applyConfig(cfg)
			ready = true
			s.publishState("ready", "configured")

		case m := <-ctrlSub.Channel():
			if !ready {
				s.replyErr(m, errcode.NotConfigured)
				continue
			}
			s.handleControl(m)
		}
	}
}

func (s *Service) applyConfig(cfg types.StorageConfig) {
	for _, cc := range cfg.Cards {
		if _, exists := s.cards[cc.Name]; exists {
			continue
		}
		c, code := s.attach(cc)
		if code != "" {
			s.log.Warn("card not attached", "card", cc.Name, "err", string(code))
			if cc.Name != "" {
				s.conn.Publish(s.conn.NewMessage(CardStatusTopic(cc.Name), types.CardStatus{
					Link:  types.LinkDegraded,
					State: sdcard.StateUninitialized.String(),
					Error: string(code),
					TSms:  timex.NowMs(),
				}, true))
			}
			continue
		}
		s.cards[c.name] = c
		s.log.Info("card attached", "card", c.name, "spi", cc.SPI, "cs", cc.CSPin, "addressing", c.mode.String())

		if cc.InitOnBoot {
			if err := c.init(); err != nil {
				s.log.Warn("init on boot failed", "card", c.name, "err", err.Error())
			}
		}
		s.publishStatus(c)
	}
}

// attach claims the card's bus and chip select and builds its driver.
func (s *Service) attach(cc types.CardConfig) (*card, errcode.Code) {
	dcfg, code := driverConfig(cc)
	if code != "" {
		return nil, code
	}
	spi, ok := s.spis.ByID(cc.SPI)
	if !ok {
		return nil, errcode.UnknownBus
	}
	if owner, used := s.pinUsed[cc.CSPin]; used && owner != cc.Name {
		return nil, errcode.PinInUse
	}
	pin, ok := s.pins.ByNumber(cc.CSPin)
	if !ok {
		return nil, errcode.UnknownPin
	}
	if err := pin.ConfigureOutput(true); err != nil {
		return nil, errcode.UnknownPin
	}
	s.pinUsed[cc.CSPin] = cc.Name

	dcfg.Logger = logx.For(logx.ComponentSDCard).With("card", cc.Name)
	c := &card{name: cc.Name, cfg: cc, mode: dcfg.Addressing}
	c.dev = sdcard.New(spi, pin)
	c.dev.Configure(dcfg)
	return c, ""
}

func (s *Service) handleControl(m *bus.Message) {
	// storage/sd/<name>/control/<verb>
	if m.Topic.Len() != 5 {
		s.replyErr(m, errcode.InvalidTopic)
		return
	}
	name, _ := m.Topic.At(2).(string)
	verb, _ := m.Topic.At(4).(string)
	c, ok := s.cards[name]
	if !ok {
		s.replyErr(m, errcode.UnknownCard)
		return
	}

	switch verb {
	case VerbInit:
		err := c.init()
		s.publishStatus(c)
		if err != nil {
			s.replyFromError(m, err)
			return
		}
		s.replyOK(m)

	case VerbStatus:
		st := c.status()
		if m.CanReply() {
			s.conn.Reply(m, st, false)
		}

	case VerbRead:
		p, code := as[types.SectorRead](m.Payload)
		if code != "" {
			s.replyErr(m, code)
			return
		}
		data, err := c.read(p.Sector)
		s.publishStatus(c)
		if err != nil {
			s.replyFromError(m, err)
			return
		}
		if m.CanReply() {
			s.conn.Reply(m, types.SectorData{OK: true, Sector: p.Sector, Data: data}, false)
		}

	case VerbWrite:
		p, code := as[types.SectorWrite](m.Payload)
		if code != "" {
			s.replyErr(m, code)
			return
		}
		err := c.write(p.Sector, p.Data)
		s.publishStatus(c)
		if err != nil {
			s.replyFromError(m, err)
			return
		}
		s.replyOK(m)

	default:
		s.replyErr(m, errcode.Unsupported)
	}
}

func (s *Service) publishStatus(c *card) {
	s.conn.Publish(s.conn.NewMessage(CardStatusTopic(c.name), c.status(), true))
}

func (s *Service) publishState(level, status string) {
	s.conn.Publish(s.conn.NewMessage(
		topicState(),
		types.ServiceState{Level: level, Status: status, TSms: timex.NowMs()},
		true,
	))
}
