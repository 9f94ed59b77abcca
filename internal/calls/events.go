package calls

import "context"

// Event describes one committed status change.
type Event struct {
	Call CallSession `json:"call"`
	// From is empty for a newly requested call.
	From Status `json:"from,omitempty"`
}

// Observer is notified after a status change commits. Notification is best
// effort: observers must not block and their failures are not reported back.
type Observer interface {
	CallChanged(ctx context.Context, e Event)
}

type ObserverFunc func(ctx context.Context, e Event)

func (f ObserverFunc) CallChanged(ctx context.Context, e Event) { f(ctx, e) }
