package session

import (
	"time"

	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/types"
)

// ConnectedEvent is published when a connection goes live.
type ConnectedEvent struct {
	URL         string
	Reconnected bool
	Flushed     int // queued messages sent on connect
}

// DisconnectedEvent is published when a live connection ends.
type DisconnectedEvent struct {
	Clean         bool
	Code          int
	Reason        string
	Err           error
	WillReconnect bool
}

// ReconnectingEvent is published when a reconnect attempt is scheduled.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
	Err     error // why the previous attempt or connection failed
}

// ReconnectionFailedEvent is published once when the attempt ceiling is
// reached. The session is Disconnected; call Connect to try again.
type ReconnectionFailedEvent struct {
	Attempts int
	LastErr  error
}

// StateChange is published on every state transition.
type StateChange struct {
	From, To State
}

// Notification is an inbound notification or server-initiated request. ID
// is set for requests; answer those with Session.Respond.
type Notification struct {
	Method string
	Params any
	ID     *types.ID
}

// IsRequest reports whether the peer expects a response.
func (n Notification) IsRequest() bool { return n.ID != nil && !n.ID.IsZero() }

// ErrorEvent reports a background failure that did not belong to any call.
type ErrorEvent struct {
	Op  string
	Err error
}

// HeartbeatEvent is published when a pong answers a ping.
type HeartbeatEvent struct {
	Latency time.Duration
}

// HeartbeatTimeoutEvent is published before a silent connection is aborted.
type HeartbeatTimeoutEvent struct {
	Unanswered int
	Since      time.Time
}

var (
	TopicConnected          = events.NewTopic[ConnectedEvent]("connected")
	TopicDisconnected       = events.NewTopic[DisconnectedEvent]("disconnected")
	TopicReconnecting       = events.NewTopic[ReconnectingEvent]("reconnecting")
	TopicReconnectionFailed = events.NewTopic[ReconnectionFailedEvent]("reconnectionFailed")
	TopicStateChanged       = events.NewTopic[StateChange]("stateChanged")
	TopicNotification       = events.NewTopic[Notification]("notification")
	TopicError              = events.NewTopic[ErrorEvent]("error")
	TopicHeartbeat          = events.NewTopic[HeartbeatEvent]("heartbeat")
	TopicHeartbeatTimeout   = events.NewTopic[HeartbeatTimeoutEvent]("heartbeatTimeout")
)

// notificationPrefix namespaces the per-method notification topics.
const notificationPrefix = "notification:"

// NotificationTopic returns the topic for notifications of one method.
func NotificationTopic(method string) events.Topic[Notification] {
	return events.NewTopic[Notification](notificationPrefix + method)
}
