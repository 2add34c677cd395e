package controller

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

// Sink is the controller's single event path. Emit journals a node event
// and fans it out to the global and per-node topics; Stream fans a frame
// out without persisting it. The job engine and backup executor both
// write through here.
type Sink struct {
	log   zerolog.Logger
	store *store.Store
	bus   *bus.Bus
}

func NewSink(log zerolog.Logger, st *store.Store, b *bus.Bus) *Sink {
	return &Sink{
		log:   log.With().Str("component", "sink").Logger(),
		store: st,
		bus:   b,
	}
}

func (s *Sink) Emit(nodeID, eventType, message string, details map[string]any) {
	ev := &store.NodeEvent{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Type:      eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			s.log.Error().Err(err).Str("type", eventType).Msg("failed to encode event details")
		} else {
			ev.Details = raw
		}
	}

	if _, err := s.store.InsertEvent(ev); err != nil {
		s.log.Error().Err(err).Str("node", nodeID).Str("type", eventType).
			Msg("failed to persist event")
	}

	frame := protocol.StreamFrame{Type: eventType, Data: ev, Timestamp: ev.Timestamp}
	s.bus.Publish(bus.TopicGlobal, frame)
	s.bus.Publish(bus.NodeTopic(nodeID), frame)
}

func (s *Sink) Stream(topic string, frame protocol.StreamFrame) {
	s.bus.Publish(topic, frame)
}
