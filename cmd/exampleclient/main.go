// Command exampleclient is a minimal reference implementation of the
// remote tunnel-client program described in spec.md §6.3: it provisions
// a tunnel via the admin API, then opens up to max_conn_count raw TCP
// connections to the assigned port, proxying each one to a local
// address. It has no reconnection policy and no CLI flag framework
// beyond the few options below — the full client program is explicitly
// out of scope (spec.md Non-goals).
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
)

func main() {
	adminURL := flag.String("admin-url", "http://localhost:80", "base URL of the rendezvous admin plane")
	subdomain := flag.String("subdomain", "", "requested subdomain (empty requests a random one)")
	localAddr := flag.String("local-addr", "127.0.0.1:8000", "local address to forward tunneled connections to")
	hmacSecret := flag.String("hmac-secret", os.Getenv("LT_HMAC_SECRET"), "HMAC secret, if the server requires one")
	flag.Parse()

	admin := NewAdminClient(strings.TrimRight(*adminURL, "/"), *hmacSecret)

	info, err := admin.RequestTunnel(*subdomain)
	if err != nil {
		log.Fatalf("exampleclient: provisioning tunnel: %v", err)
	}
	log.Printf("tunnel provisioned: id=%s url=%s port=%d max_conn_count=%d", info.ID, info.URL, info.Port, info.MaxConnCount)

	serverHost := hostOnly(*adminURL)
	tunnelAddr := fmt.Sprintf("%s:%d", serverHost, info.Port)

	for i := 0; i < info.MaxConnCount; i++ {
		go maintainSocket(tunnelAddr, *localAddr)
	}

	select {}
}

// maintainSocket opens one TCP connection to the server's assigned
// tunnel port and proxies bytes to/from localAddr. When a proxied
// connection ends it dials a fresh one immediately; it gives up on the
// first failed dial to the tunnel port, with no retry.
func maintainSocket(tunnelAddr, localAddr string) {
	for {
		serverConn, err := net.Dial("tcp", tunnelAddr)
		if err != nil {
			log.Printf("exampleclient: dial %s: %v", tunnelAddr, err)
			return
		}
		proxyOne(serverConn, localAddr)
	}
}

func proxyOne(serverConn net.Conn, localAddr string) {
	defer serverConn.Close()

	localConn, err := net.Dial("tcp", localAddr)
	if err != nil {
		log.Printf("exampleclient: dial local %s: %v", localAddr, err)
		return
	}
	defer localConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(localConn, serverConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(serverConn, localConn)
		done <- struct{}{}
	}()
	<-done
}

func hostOnly(rawURL string) string {
	s := strings.TrimPrefix(rawURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
