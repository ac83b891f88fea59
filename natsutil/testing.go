package natsutil

import "testing"

// NewTestConn starts an embedded server with JetStream stored under
// t.TempDir() and closes everything when the test ends.
func NewTestConn(t testing.TB) *Conn {
	t.Helper()
	c, err := Connect(Options{Embedded: true, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start test NATS: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}
