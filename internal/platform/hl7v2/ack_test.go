package hl7v2

import (
	"strings"
	"testing"
	"time"
)

const ackSource = "MSH|^~\\&|LAB|NORTH|EHR|SOUTH|20240315083000||ORU^R01^ORU_R01|CTRL42|P|2.4\r" +
	"PID|1||12345^^^HOSP^MR||Doe^John"

func TestBuildACK_Headers(t *testing.T) {
	in, err := Parse([]byte(ackSource))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	ack := buildACK(in, AckAccept, "", now)

	if ack.SendingApp != "EHR" || ack.SendingFac != "SOUTH" || ack.ReceivingApp != "LAB" || ack.ReceivingFac != "NORTH" {
		t.Errorf("sender and receiver not swapped: %+v", ack)
	}
	if ack.Type != "ACK^R01" || ack.Version != "2.4" {
		t.Errorf("unexpected type %q version %q", ack.Type, ack.Version)
	}
	msh := ack.GetSegment("MSH")
	if got := msh.GetField(7); got != "20240315090000" {
		t.Errorf("MSH-7 = %q", got)
	}
	if id := ack.ControlID; !strings.HasPrefix(id, "ACK") || len(id) != 20 {
		t.Errorf("control id %q should be 20 characters starting with ACK", id)
	}

	msa := ack.GetSegment("MSA")
	if msa.GetField(1) != AckAccept || msa.GetField(2) != "CTRL42" {
		t.Errorf("unexpected MSA %q|%q", msa.GetField(1), msa.GetField(2))
	}
	if !msa.IsEmpty(3) {
		t.Errorf("MSA-3 should be empty on success, got %q", msa.GetField(3))
	}
}

func TestGenerateACK_ErrorText(t *testing.T) {
	in, err := Parse([]byte(ackSource))
	if err != nil {
		t.Fatal(err)
	}
	ack := GenerateACK(in, AckError, "  "+strings.Repeat("e", 100)+"  ")
	text := ack.GetSegment("MSA").GetField(3)
	if len(text) != 80 || strings.TrimLeft(text, "e") != "" {
		t.Errorf("MSA-3 should be trimmed and cut to 80 characters, got %q", text)
	}
}

func TestGenerateACK_UnparsedOriginal(t *testing.T) {
	ack := GenerateACK(&Message{}, AckReject, "no MSH segment")
	wire := string(SerializeMessage(ack))
	if !strings.HasPrefix(wire, "MSH|^~\\&|") {
		t.Errorf("expected default delimiters, got %q", wire)
	}
	if ack.Version != "2.5.1" {
		t.Errorf("expected fallback version 2.5.1, got %q", ack.Version)
	}
	msa := ack.GetSegment("MSA")
	if msa.GetField(1) != AckReject || msa.GetField(2) != "" || msa.GetField(3) != "no MSH segment" {
		t.Errorf("unexpected MSA %q", msa.FieldText(1, DefaultDelimiters))
	}
}

func TestGenerateACK_UniqueControlIDs(t *testing.T) {
	in := &Message{ControlID: "X"}
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateACK(in, AckAccept, "").ControlID
		if seen[id] {
			t.Fatalf("duplicate control id %s", id)
		}
		seen[id] = true
	}
}
