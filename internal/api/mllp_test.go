package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7bridge/internal/platform/hl7v2"
	"github.com/ehr/hl7bridge/internal/platform/journal"
)

func ackOf(t *testing.T, svc *Service, raw string) (code, text string) {
	t.Helper()
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ack := svc.MLLPHandler(context.Background())([]byte(raw), msg)
	if ack == nil {
		t.Fatal("expected an acknowledgement")
	}
	msa := ack.GetSegment("MSA")
	if msa == nil {
		t.Fatal("acknowledgement has no MSA segment")
	}
	if got := msa.Get(2, 0, 1, 1); got != msg.ControlID {
		t.Errorf("MSA-2 = %q, want %q", got, msg.ControlID)
	}
	return msa.Get(1, 0, 1, 1), msa.Get(3, 0, 1, 1)
}

func TestMLLPHandler(t *testing.T) {
	store := journal.NewMemoryStore(time.Hour)
	defer store.Close()
	svc := newService(store)

	if code, text := ackOf(t, svc, adtMessage); code != hl7v2.AckAccept || text != "" {
		t.Errorf("expected AA, got %s %q", code, text)
	}
	code, text := ackOf(t, svc, noPatientMessage)
	if code != hl7v2.AckError {
		t.Errorf("expected AE, got %s", code)
	}
	if text == "" {
		t.Error("expected the error text in MSA-3")
	}

	records, _ := store.ListConversions(context.Background(), 10)
	if len(records) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(records))
	}
	for _, r := range records {
		if r.Source != SourceMLLP {
			t.Errorf("source = %q, want mllp", r.Source)
		}
	}
}

func TestMLLPHandler_OverTCP(t *testing.T) {
	svc := newService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := hl7v2.NewMLLPServer("127.0.0.1:0", svc.MLLPHandler(ctx), zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(hl7v2.FrameMessage([]byte(adtMessage))); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf []byte
	chunk := make([]byte, 1024)
	for {
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if raw, _, found := hl7v2.UnframeMessage(buf); found {
			ack, err := hl7v2.Parse(raw)
			if err != nil {
				t.Fatalf("parse ACK: %v", err)
			}
			if got := ack.GetSegment("MSA").Get(1, 0, 1, 1); got != hl7v2.AckAccept {
				t.Errorf("MSA-1 = %q, want AA", got)
			}
			return
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}
