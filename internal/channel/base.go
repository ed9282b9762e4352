package channel

import "github.com/medellinbot/medellinbot/internal/bus"

// BaseChannel holds what every transport shares: its name, the bus it feeds
// and the optional sender allow list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether any of the sender identifiers is on the allow
// list. An empty list allows everyone.
func (c *BaseChannel) IsAllowed(ids ...string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := c.allowFrom[id]; ok {
			return true
		}
	}
	return false
}
