// Package redistest implements support code for testing with Redis.
//
// Tests run against an in-process Redis unless REDIS_IP names a real server.
package redistest

import (
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
)

// Environment variables naming an external server.
const (
	EnvAddress  = "REDIS_IP"
	EnvPassword = "REDIS_PASS"
)

func external() (addr, password string, ok bool) {
	addr = os.Getenv(EnvAddress)
	return addr, os.Getenv(EnvPassword), addr != ""
}

func options(addr, password string) *redis.Options {
	return &redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
}

// Connect returns a client for the test. The client is closed when the test
// ends.
func Connect(t *testing.T) *redis.Client {
	t.Helper()
	if addr, password, ok := external(); ok {
		client := redis.NewClient(options(addr, password))
		t.Cleanup(func() { _ = client.Close() })
		return client
	}
	client, _ := Start(t)
	return client
}

// Start runs an in-process Redis for the test and returns a client for it
// along with the server, so tests can take the server down.
func Start(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(options(server.Addr(), ""))
	t.Cleanup(func() { _ = client.Close() })
	return client, server
}
