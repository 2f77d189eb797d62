package clientmanager_test

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/client"
	"github.com/tunnelrelay/rendezvous/clientmanager"
	"github.com/tunnelrelay/rendezvous/config"
	"github.com/tunnelrelay/rendezvous/identifier"
)

// driveIntoGrace connects once to c's agent and immediately drops the
// socket, carrying the client from PendingFirstConnect through Online and
// into offline-with-grace, then waits for the transition to land.
func driveIntoGrace(t *testing.T, c *client.Client) {
	t.Helper()
	ag := c.Agent()
	port := ag.Port()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !c.IsOnline() {
		time.Sleep(2 * time.Millisecond)
	}
	if !c.IsOnline() {
		t.Fatal("client never went online after dialing its agent")
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !c.InGrace() {
		time.Sleep(2 * time.Millisecond)
	}
	if !c.InGrace() {
		t.Fatal("client never entered offline-with-grace after closing its only socket")
	}
}

func testConfig() *config.Config {
	return &config.Config{
		MaxSockets:         5,
		GracePeriod:        50 * time.Millisecond,
		MaxGracePeriod:     time.Minute,
		RequestTimeout:     time.Second,
		WebsocketTimeout:   time.Second,
		RetryAfterSeconds:  3,
		IPValidationStrict: false,
	}
}

func TestNewClientAssignsRequestedID(t *testing.T) {
	m := clientmanager.New(zerolog.Nop(), testConfig())
	res, err := m.NewClient("myapp", identifier.FromIP("1.2.3.4"), "1.2.3.4")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if res.ID != "myapp" {
		t.Fatalf("ID = %q, want myapp", res.ID)
	}
	if res.Port == 0 {
		t.Fatal("expected an assigned ephemeral port")
	}
	if !m.HasClient("myapp") {
		t.Fatal("HasClient(myapp) = false after creation")
	}
}

func TestPortRangeAssignsDistinctPortsWithinRange(t *testing.T) {
	cfg := testConfig()
	cfg.PortRangeStart = 11040
	cfg.PortRangeEnd = 11045
	m := clientmanager.New(zerolog.Nop(), cfg)

	a, err := m.NewClient("tunnelx", identifier.FromIP("1.1.1.1"), "1.1.1.1")
	if err != nil {
		t.Fatalf("NewClient a: %v", err)
	}
	b, err := m.NewClient("tunnely", identifier.FromIP("2.2.2.2"), "2.2.2.2")
	if err != nil {
		t.Fatalf("NewClient b: %v", err)
	}

	if a.Port == b.Port {
		t.Fatalf("expected distinct ports, both got %d", a.Port)
	}
	for _, p := range []int{a.Port, b.Port} {
		if p < 11040 || p > 11045 {
			t.Fatalf("port %d outside configured range", p)
		}
	}
}

func TestReconnectWithMatchingIdentifierDuringGraceReusesID(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 2 * time.Second
	m := clientmanager.New(zerolog.Nop(), cfg)

	ident := identifier.FromIP("1.2.3.4")
	if _, err := m.NewClient("myapp", ident, "1.2.3.4"); err != nil {
		t.Fatalf("first NewClient: %v", err)
	}
	c, _ := m.GetClient("myapp")
	driveIntoGrace(t, c)

	second, err := m.NewClient("myapp", ident, "1.2.3.4")
	if err != nil {
		t.Fatalf("second NewClient: %v", err)
	}
	if second.ID != "myapp" {
		t.Fatalf("ID = %q, want myapp", second.ID)
	}
}

func TestMismatchedIdentifierStrictModeReturnsReservedDuringGrace(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 2 * time.Second
	cfg.IPValidationStrict = true
	m := clientmanager.New(zerolog.Nop(), cfg)

	identA := identifier.FromIP("1.2.3.4")
	if _, err := m.NewClient("myapp", identA, "1.2.3.4"); err != nil {
		t.Fatalf("first NewClient: %v", err)
	}
	c, _ := m.GetClient("myapp")
	driveIntoGrace(t, c)

	identB := identifier.FromIP("5.6.7.8")
	_, err := m.NewClient("myapp", identB, "5.6.7.8")
	if err == nil {
		t.Fatal("expected a reserved error for mismatched identifier during grace")
	}
	var reservedErr *clientmanager.ReservedError
	if !errors.As(err, &reservedErr) {
		t.Fatalf("error = %v, want *ReservedError", err)
	}
}

func TestMismatchedIdentifierSilentModeReturnsRandomID(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 2 * time.Second
	cfg.IPValidationStrict = false
	m := clientmanager.New(zerolog.Nop(), cfg)

	identA := identifier.FromIP("1.2.3.4")
	if _, err := m.NewClient("myapp", identA, "1.2.3.4"); err != nil {
		t.Fatalf("first NewClient: %v", err)
	}
	c, _ := m.GetClient("myapp")
	driveIntoGrace(t, c)

	identB := identifier.FromIP("5.6.7.8")
	res, err := m.NewClient("myapp", identB, "5.6.7.8")
	if err != nil {
		t.Fatalf("NewClient with differing identifier (silent mode): %v", err)
	}
	if res.ID == "myapp" {
		t.Fatal("expected a different random id, got the reserved one back")
	}
}

func TestRecreatingPendingIDClosesTheStaleClient(t *testing.T) {
	cfg := testConfig()
	cfg.PortRangeStart = 11060
	cfg.PortRangeEnd = 11061
	m := clientmanager.New(zerolog.Nop(), cfg)

	if _, err := m.NewClient("myapp", identifier.FromIP("1.2.3.4"), "1.2.3.4"); err != nil {
		t.Fatalf("first NewClient: %v", err)
	}
	first, _ := m.GetClient("myapp")

	// First client never dials in; its registration is still
	// PendingFirstConnect. A second request for the same id must close it
	// rather than leaving its agent and port held forever.
	second, err := m.NewClient("myapp", identifier.FromIP("5.6.7.8"), "5.6.7.8")
	if err != nil {
		t.Fatalf("second NewClient: %v", err)
	}
	if second.ID != "myapp" {
		t.Fatalf("ID = %q, want myapp", second.ID)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !first.IsClosed() {
		time.Sleep(2 * time.Millisecond)
	}
	if !first.IsClosed() {
		t.Fatal("stale pending client was not closed when its id was reused")
	}

	avail, used := m.Stats().AvailablePorts, m.Stats().UsedPorts
	if used != 1 {
		t.Fatalf("UsedPorts = %d, want 1 (stale client's port should be released)", used)
	}
	if avail != 1 {
		t.Fatalf("AvailablePorts = %d, want 1", avail)
	}
}

func TestStatsReportsTunnelCount(t *testing.T) {
	m := clientmanager.New(zerolog.Nop(), testConfig())
	if _, err := m.NewClient("a", identifier.FromIP("1.1.1.1"), "1.1.1.1"); err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := m.NewClient("b", identifier.FromIP("2.2.2.2"), "2.2.2.2"); err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if got := m.Stats().Tunnels; got != 2 {
		t.Fatalf("Stats().Tunnels = %d, want 2", got)
	}
}
