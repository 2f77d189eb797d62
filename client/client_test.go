package client_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/agent"
	"github.com/tunnelrelay/rendezvous/client"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/identifier"
)

func dialTCP(port int) (net.Conn, error) {
	return net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

func testConfig(grace time.Duration) *config.Config {
	return &config.Config{
		GracePeriod:       grace,
		MaxGracePeriod:    time.Minute,
		RequestTimeout:    time.Second,
		WebsocketTimeout:  time.Second,
		RetryAfterSeconds: 3,
	}
}

func dialAgent(t *testing.T, ag *agent.Agent) {
	t.Helper()
	if _, err := ag.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
}

func TestClientGoesOnlineWhenSocketArrives(t *testing.T) {
	ag := agent.New(zerolog.Nop(), "cid", 5, 0)
	cfg := testConfig(50 * time.Millisecond)
	c := client.New(zerolog.Nop(), cfg, ag, "cid", identifier.FromIP("1.2.3.4"), "1.2.3.4")

	dialAgent(t, ag)
	port := ag.Port()

	conn, err := dialTCP(port)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.IsOnline() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !c.IsOnline() {
		t.Fatal("client never went online")
	}
}

func TestClientClosesAfterGraceExpiresWithNoReconnect(t *testing.T) {
	ag := agent.New(zerolog.Nop(), "cid", 5, 0)
	cfg := testConfig(20 * time.Millisecond)
	c := client.New(zerolog.Nop(), cfg, ag, "cid", identifier.FromIP("1.2.3.4"), "1.2.3.4")

	closed := make(chan struct{})
	c.OnClose(func() { close(closed) })

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("client never closed after grace period elapsed with no connection")
	}
	if !c.IsClosed() {
		t.Fatal("IsClosed() = false after close signal fired")
	}
}

func TestExplicitCloseIsIdempotent(t *testing.T) {
	ag := agent.New(zerolog.Nop(), "cid", 5, 0)
	cfg := testConfig(time.Second)
	c := client.New(zerolog.Nop(), cfg, ag, "cid", identifier.FromIP("1.2.3.4"), "1.2.3.4")

	fired := 0
	c.OnClose(func() { fired++ })

	c.Close()
	c.Close()

	if !c.IsClosed() {
		t.Fatal("expected closed state")
	}
	if fired != 1 {
		t.Fatalf("close fired %d times, want 1", fired)
	}
}
