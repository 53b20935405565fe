package present

import (
	"context"

	"github.com/nugget/hark/internal/mqtt"
)

// MQTTSink publishes to an MQTT broker through a running
// mqtt.Publisher. Answers are published as plain text.
type MQTTSink struct {
	Publisher *mqtt.Publisher
}

func (s MQTTSink) Status(ctx context.Context, status string) {
	s.Publisher.PublishStatus(ctx, status)
}

func (s MQTTSink) Answer(ctx context.Context, a Answer) {
	s.Publisher.PublishAnswer(ctx, PlainText(a.Text))
}

func (s MQTTSink) Error(ctx context.Context, summary string) {
	s.Publisher.PublishError(ctx, summary)
}

func (s MQTTSink) ToggleWindow(ctx context.Context) {
	s.Publisher.PublishWindowToggle(ctx)
}
