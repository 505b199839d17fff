// Package presence fans room membership snapshots out to room members.
package presence

import (
	"log/slog"

	"taskchat/server/model"
)

// Recipient is anything that can accept an outbound event without blocking.
type Recipient interface {
	ID() string
	Deliver(ev model.ServerEvent) bool
}

// Notifier emits presence events. It holds no room state of its own.
type Notifier struct {
	logger *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Notify sends one presence event built from members to every recipient and
// returns how many accepted it. All recipients get the same snapshot.
func (n *Notifier) Notify(roomKey string, members []string, recipients []Recipient) int {
	ev := model.NewPresence(roomKey, members)
	delivered := 0
	for _, r := range recipients {
		if r.Deliver(ev) {
			delivered++
			continue
		}
		n.logger.Warn("presence dropped", "room", roomKey, "session", r.ID())
	}
	n.logger.Debug("presence sent", "room", roomKey, "members", len(members), "recipients", delivered)
	return delivered
}
