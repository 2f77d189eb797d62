package agent_test

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/agent"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAgentListenTwiceFails(t *testing.T) {
	a := agent.New(testLogger(), "t1", 10, 0)
	if _, err := a.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	if _, err := a.Listen(); err != agent.ErrAlreadyStarted {
		t.Errorf("second Listen() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestAgentOnlineOfflineSignals(t *testing.T) {
	a := agent.New(testLogger(), "t2", 10, 0)

	var onlineFired, offlineFired int32
	var mu sync.Mutex
	onlineCh := make(chan struct{}, 1)
	offlineCh := make(chan struct{}, 1)
	a.OnOnline(func() {
		mu.Lock()
		onlineFired++
		mu.Unlock()
		onlineCh <- struct{}{}
	})
	a.OnOffline(func() {
		mu.Lock()
		offlineFired++
		mu.Unlock()
		offlineCh <- struct{}{}
	})

	port, err := a.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	conn := dial(t, port)

	select {
	case <-onlineCh:
	case <-time.After(time.Second):
		t.Fatal("online signal not fired")
	}

	conn.Close()

	select {
	case <-offlineCh:
	case <-time.After(time.Second):
		t.Fatal("offline signal not fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if onlineFired != 1 {
		t.Errorf("onlineFired = %d, want 1", onlineFired)
	}
	if offlineFired != 1 {
		t.Errorf("offlineFired = %d, want 1", offlineFired)
	}
}

func TestAgentRejectsOverMaxSockets(t *testing.T) {
	a := agent.New(testLogger(), "t3", 1, 0)
	port, err := a.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	first := dial(t, port)
	defer first.Close()
	time.Sleep(50 * time.Millisecond)

	second := dial(t, port)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 512)
	n, err := second.Read(buf)
	if err != nil {
		t.Fatalf("reading rejection response: %v", err)
	}
	resp := string(buf[:n])
	if !strings.Contains(resp, "429") {
		t.Errorf("rejection response = %q, want 429 status line", resp)
	}

	time.Sleep(50 * time.Millisecond)
	stats := a.Stats()
	if stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
	if stats.Connected != 1 {
		t.Errorf("Connected = %d, want 1", stats.Connected)
	}
}

func TestCreateConnectionUsesIdlePool(t *testing.T) {
	a := agent.New(testLogger(), "t4", 10, 0)
	port, err := a.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	conn := dial(t, port)
	defer conn.Close()

	// Give the accept loop time to pool the idle socket.
	time.Sleep(50 * time.Millisecond)
	if !a.HasAvailable() {
		t.Fatal("expected idle socket to be available")
	}

	got := make(chan net.Conn, 1)
	a.CreateConnection(func(c net.Conn, err error) {
		if err != nil {
			t.Errorf("CreateConnection callback error = %v", err)
			return
		}
		got <- c
	})

	select {
	case c := <-got:
		if c == nil {
			t.Fatal("got nil conn")
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}

	if a.HasAvailable() {
		t.Error("idle pool should be empty after handoff")
	}
}

func TestCreateConnectionFailsWhenClosed(t *testing.T) {
	a := agent.New(testLogger(), "t5", 10, 0)
	if _, err := a.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	a.Destroy()

	errCh := make(chan error, 1)
	a.CreateConnection(func(c net.Conn, err error) {
		errCh <- err
	})

	select {
	case err := <-errCh:
		if err != agent.ErrAgentClosed {
			t.Errorf("error = %v, want ErrAgentClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestCreateConnectionCancelDequeuesWaiter(t *testing.T) {
	a := agent.New(testLogger(), "t7", 10, 0)
	port, err := a.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	fired := make(chan net.Conn, 1)
	cancel := a.CreateConnection(func(c net.Conn, err error) {
		fired <- c
	})

	if stats := a.Stats(); stats.Waiting != 1 {
		t.Fatalf("Waiting = %d, want 1", stats.Waiting)
	}

	cancel()

	if stats := a.Stats(); stats.Waiting != 0 {
		t.Fatalf("Waiting after cancel = %d, want 0", stats.Waiting)
	}

	// A socket arriving after cancellation must pool as idle rather than
	// being handed to the cancelled callback.
	conn := dial(t, port)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	if !a.HasAvailable() {
		t.Error("expected socket to land in idle pool, not the cancelled waiter")
	}
	select {
	case <-fired:
		t.Fatal("cancelled waiter callback should not have fired")
	default:
	}
}

func TestWaiterFIFOOrder(t *testing.T) {
	a := agent.New(testLogger(), "t6", 10, 0)
	port, err := a.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer a.Destroy()

	var order []int
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	for i := 0; i < 2; i++ {
		i := i
		a.CreateConnection(func(c net.Conn, err error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			done <- struct{}{}
		})
	}

	// Two arriving sockets should satisfy the two waiters in order.
	c1 := dial(t, port)
	defer c1.Close()
	c2 := dial(t, port)
	defer c2.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter not satisfied in time")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Errorf("order = %v, want [0 1]", order)
	}
}
