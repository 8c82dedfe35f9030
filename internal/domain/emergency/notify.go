package emergency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/edtrack/internal/platform/websocket"
)

// BoardTopic is the websocket topic board changes are published on.
const BoardTopic = "board"

// NewBoardNotifier returns an Observer that publishes every store change to
// pub on BoardTopic.
func NewBoardNotifier(pub websocket.EventPublisher, logger zerolog.Logger) Observer {
	return func(ev ChangeEvent) {
		event := websocket.Event{
			Type:      string(ev.Kind),
			Topic:     BoardTopic,
			Timestamp: time.Now().UTC(),
		}
		var payload any
		switch {
		case ev.Patient != nil:
			event.ResourceType = "Patient"
			event.ResourceID = ev.Patient.ID
			payload = ev.Patient
		case ev.Room != nil:
			event.ResourceType = "Room"
			event.ResourceID = ev.Room.Name
			payload = ev.Room
		}
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				logger.Error().Err(err).Str("type", event.Type).Msg("encode board event")
				return
			}
			event.Data = data
		}
		if err := pub.Publish(context.Background(), event); err != nil {
			logger.Warn().Err(err).Str("type", event.Type).Msg("publish board event")
		}
	}
}
