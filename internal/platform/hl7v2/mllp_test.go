package hl7v2

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const mllpADT = "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|MSG001|P|2.5.1\r" +
	"PID|||12345||Smith^John||19800101|M"

func accept(_ []byte, msg *Message) *Message { return GenerateACK(msg, AckAccept, "") }

// startServer runs s on a free port and stops it when the test ends.
func startServer(t *testing.T, handler MessageHandler, opts ...MLLPOption) *MLLPServer {
	t.Helper()
	s := NewMLLPServer("127.0.0.1:0", handler, zerolog.Nop(), opts...)
	if err := s.Start(); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, s *MLLPServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// exchange sends one framed message on conn and parses the reply.
func exchange(t *testing.T, conn net.Conn, frames *frameReader, raw string) *Message {
	t.Helper()
	if _, err := conn.Write(FrameMessage([]byte(raw))); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := frames.Next()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	msg, err := Parse(reply)
	if err != nil {
		t.Fatalf("reply does not parse: %v: %q", err, reply)
	}
	return msg
}

func TestMLLPServer_Addr(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", accept, zerolog.Nop())
	if s.Addr() != "127.0.0.1:0" {
		t.Errorf("before Start, Addr() should be the configured address, got %s", s.Addr())
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if _, port, _ := net.SplitHostPort(s.Addr()); port == "0" {
		t.Errorf("expected a bound port, got %s", s.Addr())
	}
}

func TestMLLPServer_AcknowledgesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	s := startServer(t, func(raw []byte, msg *Message) *Message {
		mu.Lock()
		seen = append(seen, msg.ControlID)
		mu.Unlock()
		return accept(raw, msg)
	})
	conn := dial(t, s)
	frames := newFrameReader(conn, defaultMaxFrame)

	for _, id := range []string{"MSG001", "MSG002", "MSG003"} {
		raw := "MSH|^~\\&|SendApp|SendFac|RecvApp|RecvFac|20240115120000||ADT^A01|" + id + "|P|2.5.1"
		ack := exchange(t, conn, frames, raw)
		msa := ack.GetSegment("MSA")
		if msa.GetField(1) != AckAccept || msa.GetField(2) != id {
			t.Errorf("ack for %s: MSA %q %q", id, msa.GetField(1), msa.GetField(2))
		}
		if ack.ReceivingApp != "SendApp" {
			t.Errorf("ack should be addressed to the sender, got %q", ack.ReceivingApp)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 || seen[0] != "MSG001" || seen[2] != "MSG003" {
		t.Errorf("handler saw %v", seen)
	}
}

func TestMLLPServer_RejectsUnparsable(t *testing.T) {
	var calls atomic.Int32
	s := startServer(t, func(raw []byte, msg *Message) *Message {
		calls.Add(1)
		return accept(raw, msg)
	})
	conn := dial(t, s)
	frames := newFrameReader(conn, defaultMaxFrame)

	ack := exchange(t, conn, frames, "PID|||12345")
	if code := ack.GetSegment("MSA").GetField(1); code != AckReject {
		t.Errorf("expected AR, got %q", code)
	}
	if calls.Load() != 0 {
		t.Error("handler must not see unparsable messages")
	}

	// The connection stays usable.
	if ack := exchange(t, conn, frames, mllpADT); ack.GetSegment("MSA").GetField(1) != AckAccept {
		t.Error("expected AA for a valid message after a rejected one")
	}
}

func TestMLLPServer_NilReplySendsNothing(t *testing.T) {
	s := startServer(t, func([]byte, *Message) *Message { return nil })
	conn := dial(t, s)
	conn.Write(FrameMessage([]byte(mllpADT)))

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); n > 0 {
		t.Errorf("expected no reply, got %q", buf[:n])
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("expected a read timeout, got %v", err)
	}
}

func TestMLLPServer_OversizedFrameClosesConnection(t *testing.T) {
	s := startServer(t, accept, WithMaxFrameSize(32))
	conn := dial(t, s)
	conn.Write(FrameMessage([]byte(mllpADT)))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Errorf("expected the server to close the connection, read %q", buf[:n])
	}
}

func TestMLLPServer_ConcurrentConnections(t *testing.T) {
	var handled atomic.Int32
	s := startServer(t, func(raw []byte, msg *Message) *Message {
		handled.Add(1)
		return accept(raw, msg)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", s.Addr(), 2*time.Second)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			conn.Write(FrameMessage([]byte(mllpADT)))
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			if _, err := newFrameReader(conn, defaultMaxFrame).Next(); err != nil {
				t.Errorf("read ack: %v", err)
			}
		}()
	}
	wg.Wait()
	if handled.Load() != 8 {
		t.Errorf("expected 8 handled messages, got %d", handled.Load())
	}
}

func TestMLLPServer_ConnectionLimit(t *testing.T) {
	release := make(chan struct{})
	s := startServer(t, func(raw []byte, msg *Message) *Message {
		<-release
		return accept(raw, msg)
	}, WithMaxConnections(1))

	first := dial(t, s)
	first.Write(FrameMessage([]byte(mllpADT)))

	second := dial(t, s)
	second.Write(FrameMessage([]byte(mllpADT)))
	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := newFrameReader(second, defaultMaxFrame).Next(); err == nil {
		t.Fatal("second connection was served while the only slot was busy")
	}

	close(release)
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := newFrameReader(first, defaultMaxFrame).Next(); err != nil {
		t.Fatalf("first connection: %v", err)
	}
	first.Close()

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := newFrameReader(second, defaultMaxFrame).Next(); err != nil {
		t.Errorf("second connection should be served once the slot frees: %v", err)
	}
}

func TestMLLPServer_StopClosesConnections(t *testing.T) {
	s := NewMLLPServer("127.0.0.1:0", accept, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	conn := dial(t, s)
	// Wait for the accept so Stop has a connection to close.
	exchange(t, conn, newFrameReader(conn, defaultMaxFrame), mllpADT)

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop(): %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the connection to be closed")
	}
}
