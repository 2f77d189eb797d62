package noncecache_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelrelay/rendezvous/noncecache"
)

func TestAddThenHasWithinTTL(t *testing.T) {
	c := noncecache.New(zerolog.Nop(), time.Minute, "")
	ctx := context.Background()

	if c.Has(ctx, "abc") {
		t.Fatal("Has() = true before Add()")
	}
	c.Add(ctx, "abc")
	if !c.Has(ctx, "abc") {
		t.Fatal("Has() = false after Add()")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := noncecache.New(zerolog.Nop(), 10*time.Millisecond, "")
	ctx := context.Background()
	c.Add(ctx, "short-lived")

	time.Sleep(20 * time.Millisecond)
	if c.Has(ctx, "short-lived") {
		t.Fatal("Has() = true after TTL elapsed")
	}

	c.StartSweeper(5 * time.Millisecond)
	defer c.Stop()
	time.Sleep(30 * time.Millisecond)
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after sweep", c.Len())
	}
}
