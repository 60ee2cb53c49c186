package queue

import (
	"time"

	"github.com/google/uuid"
)

// SocketToken is the (queueToken, socketRef, startTime) tuple recorded
// at queue entry (spec.md §4.6 "Socket-identity protocol"). socketRef is
// whatever comparable identifier the transport layer can hand back for
// the live connection — in cmd/sentinel this is a per-connection ID
// stashed by an http.Server.ConnContext hook, since net.Conn itself is
// not guaranteed to be the same value across a reused keep-alive
// connection in every Go HTTP transport implementation.
type SocketToken struct {
	QueueToken uuid.UUID
	SocketRef  any
	StartTime  time.Time
}

// NewSocketToken mints a token at queue entry.
func NewSocketToken(socketRef any) SocketToken {
	return SocketToken{
		QueueToken: uuid.New(),
		SocketRef:  socketRef,
		StartTime:  time.Now(),
	}
}

// Matches reports whether the presented token and the live socket
// reference both agree with what was recorded at entry — the two-part
// check spec.md §4.6 requires before using a slot acquired after a
// queue wait.
func (t SocketToken) Matches(presented uuid.UUID, liveSocketRef any) bool {
	return t.QueueToken == presented && t.SocketRef == liveSocketRef
}
