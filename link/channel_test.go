package link

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/soypat/tuntcp"
)

func TestChannelInjectRead(t *testing.T) {
	ch := NewChannel(2, 100)
	datagram := []byte{0x45, 1, 2, 3}
	if err := ch.Inject(datagram); err != nil {
		t.Fatal(err)
	}
	datagram[1] = 0xff // Inject must copy.
	buf := make([]byte, 100)
	n, err := ch.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte{0x45, 1, 2, 3}) {
		t.Errorf("read %x", buf[:n])
	}
	if err := ch.Inject(make([]byte, 101)); !errors.Is(err, tuntcp.ErrShortBuffer) {
		t.Errorf("expected oversize inject rejected, got %v", err)
	}
}

func TestChannelWriteDrain(t *testing.T) {
	ch := NewChannel(2, 100)
	for i := 0; i < 3; i++ {
		_, err := ch.Write([]byte{byte(i)})
		if i < 2 && err != nil {
			t.Fatal(err)
		} else if i == 2 && !errors.Is(err, errChannelFull) {
			t.Fatalf("expected full channel error, got %v", err)
		}
	}
	got := ch.Drain()
	if len(got) != 2 || got[0][0] != 0 || got[1][0] != 1 {
		t.Fatalf("unexpected drained datagrams %v", got)
	}
	if got := ch.Drain(); len(got) != 0 {
		t.Fatalf("expected empty queue, got %v", got)
	}
}

func TestChannelCloseUnblocksRead(t *testing.T) {
	ch := NewChannel(1, 0)
	done := make(chan error)
	go func() {
		_, err := ch.Read(make([]byte, 10))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ch.Close()
	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("expected net.ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by close")
	}
	if _, err := ch.Write([]byte{1}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("expected write on closed channel to fail, got %v", err)
	}
	if ch.MTU() != DefaultMTU {
		t.Errorf("MTU %d, want default %d", ch.MTU(), DefaultMTU)
	}
}

func TestDestination(t *testing.T) {
	datagram := make([]byte, 20)
	datagram[0] = 0x45
	copy(datagram[16:], []byte{10, 0, 0, 9})
	dst, ok := destination(datagram)
	if !ok || dst.String() != "10.0.0.9" {
		t.Errorf("got %v %v", dst, ok)
	}
	if _, ok := destination(datagram[:19]); ok {
		t.Error("short datagram accepted")
	}
}
