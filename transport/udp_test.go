package transport

import (
	"testing"
	"time"
)

func TestUDPSocketSendReceiveRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer a.Close()

	b, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer b.Close()

	a.Send(b.LocalAddr(), []byte("hello"))

	var pkts []struct{ data string }
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, pkt := range b.ReceiveAll() {
			pkts = append(pkts, struct{ data string }{string(pkt.Data)})
		}
		if len(pkts) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if len(pkts) != 1 || pkts[0].data != "hello" {
		t.Fatalf("got %v, want one packet containing %q", pkts, "hello")
	}
}

func TestUDPSocketReceiveAllEmptyWhenIdle(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()

	if got := a.ReceiveAll(); len(got) != 0 {
		t.Fatalf("ReceiveAll on idle socket = %v, want empty", got)
	}
}

func TestUDPSocketSendToUnresolvableAddrDropsSilently(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()

	a.Send("not a valid address", []byte("x"))
}
