// Package heartbeat publishes a periodic health summary of the attached
// cards, built from their retained status topics.
package heartbeat

import (
	"context"
	"time"

	"sdspi-go/bus"
	"sdspi-go/types"
	"sdspi-go/x/logx"
	"sdspi-go/x/timex"
)

const defaultInterval = 2 * time.Second

var (
	topicConfigHeartbeat = bus.T("config", "heartbeat")
	topicCardStatus      = bus.T("storage", "sd", "+", "status")
	topicHealth          = bus.T("storage", "health")
)

type Service struct {
	Interval time.Duration // zero means 2s; config/heartbeat overrides

	cards map[string]types.Link
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	log := logx.For(logx.ComponentStorage).With("svc", "heartbeat")

	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)
	stSub := conn.Subscribe(topicCardStatus)
	defer conn.Unsubscribe(stSub)

	iv := s.Interval
	if iv <= 0 {
		iv = defaultInterval
	}
	tick := time.NewTicker(iv)
	defer tick.Stop()

	s.cards = map[string]types.Link{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			h := s.summary()
			conn.Publish(conn.NewMessage(topicHealth, h, true))
			if h.Degraded > 0 {
				log.Warn("cards degraded", "degraded", h.Degraded, "cards", h.Cards)
			}
		case msg := <-stSub.Channel():
			name, _ := msg.Topic.At(2).(string)
			if st, ok := msg.Payload.(types.CardStatus); ok && name != "" {
				s.cards[name] = st.Link
			}
		case msg := <-cfgSub.Channel():
			// {"interval": seconds}
			if m, ok := msg.Payload.(map[string]any); ok {
				if v, ok := m["interval"].(float64); ok && v > 0 {
					tick.Reset(time.Duration(v * float64(time.Second)))
					log.Info("interval set", "seconds", v)
				}
			}
		}
	}
}

func (s *Service) summary() types.StorageHealth {
	h := types.StorageHealth{Cards: len(s.cards), TSms: timex.NowMs()}
	for _, l := range s.cards {
		switch l {
		case types.LinkUp:
			h.Up++
		case types.LinkDegraded:
			h.Degraded++
		}
	}
	return h
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
