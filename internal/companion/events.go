package companion

// Event is a tagged variant delivered to subscribers. Each broadcast kind
// maps to one concrete type; connection lifecycle transitions get their own
// variants so the supervisor can observe them on the same stream.
type Event interface {
	event()
}

// Connected is emitted once per established session.
type Connected struct {
	ServerName string
}

// Disconnected is emitted when a session ends without an error: either the
// peer closed cleanly or Disconnect was called.
type Disconnected struct{}

// ClientError is emitted when a session dies abnormally (read/write
// failure). The supervisor classifies Err to pick a backoff.
type ClientError struct {
	Err error
}

// EntityChanged carries an unsolicited entity state change. Value is the
// raw wire scalar.
type EntityChanged struct {
	EntityID string
	Value    interface{}
}

// EntityInfo carries the response-style broadcast to an entity subscription.
type EntityInfo struct {
	EntityID string
	Value    interface{}
}

// TeamMessage carries one in-game team chat line.
type TeamMessage struct {
	Text   string
	Sender string
}

func (Connected) event()     {}
func (Disconnected) event()  {}
func (ClientError) event()   {}
func (EntityChanged) event() {}
func (EntityInfo) event()    {}
func (TeamMessage) event()   {}

// Subscription is one registered event consumer. Events arrive in the order
// the transport yielded them; a subscriber that stops draining loses events
// rather than stalling the connection.
type Subscription struct {
	ch chan Event
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }
