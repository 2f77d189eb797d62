package agent

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// pooledConn wraps a tunnel-client TCP socket so Close() is idempotent
// and always notifies the owning Agent, and so the idle-pool watcher can
// be interrupted cleanly when the socket is handed off for use.
type pooledConn struct {
	net.Conn
	agent     *Agent
	closeOnce sync.Once

	// idle is true only while the connection sits in Agent.idle; it is
	// read and written exclusively under Agent.mu.
	idle bool
}

func newPooledConn(conn net.Conn, a *Agent) *pooledConn {
	return &pooledConn{Conn: conn, agent: a}
}

// Close closes the underlying socket exactly once and reports the
// closure to the owning Agent so its counters and idle pool stay
// consistent regardless of who triggered the close (the remote tunnel
// client, or the Client ending an HTTP transaction).
func (pc *pooledConn) Close() error {
	var err error
	pc.closeOnce.Do(func() {
		err = pc.Conn.Close()
		pc.agent.onSocketClosed(pc)
	})
	return err
}

// interruptIdleWatch unblocks the goroutine parked in watchIdle's
// one-byte Read, without losing any bytes the remote peer hasn't sent
// yet (a past read deadline fails the pending Read with no data
// consumed). It must only be called after the connection has been popped
// out of Agent.idle (idle set to false) under Agent.mu, so watchIdle
// recognizes the wakeup as a deliberate handoff rather than a real close.
func (pc *pooledConn) interruptIdleWatch() {
	_ = pc.Conn.SetReadDeadline(time.Unix(0, 1))
	_ = pc.Conn.SetReadDeadline(time.Time{})
}

// writeRejection writes a synthetic HTTP/1.1 429 response with the
// diagnostic headers spec.md §4.1 step 1 requires, then the caller closes
// the socket.
func writeRejection(conn net.Conn, maxSockets, connected, available, waiting int) {
	body := fmt.Sprintf(
		`{"error":"too_many_connections","max_sockets":%d,"connected_sockets":%d,"available_sockets":%d,"waiting_requests":%d}`,
		maxSockets, connected, available, waiting,
	)
	resp := fmt.Sprintf(
		"HTTP/1.1 429 Too Many Connections\r\n"+
			"X-LT-Max-Sockets: %d\r\n"+
			"X-LT-Current-Sockets: %d\r\n"+
			"X-LT-Available-Sockets: %d\r\n"+
			"X-LT-Waiting-Requests: %d\r\n"+
			"Content-Type: application/json\r\n"+
			"Content-Length: %d\r\n"+
			"Connection: close\r\n"+
			"\r\n%s",
		maxSockets, connected, available, waiting, len(body), body,
	)
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write([]byte(resp))
}
