package alerting

import "context"

// Notifier delivers emitted alerts to an external channel (Slack webhook,
// NATS subject). Delivery is best-effort, runs off the frame pass, and a
// failure never suppresses the alert itself.
type Notifier interface {
	Notify(ctx context.Context, a *Alert) error
}
