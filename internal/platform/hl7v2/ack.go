package hl7v2

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Acknowledgement codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// msaTextLimit is the MSA-3 length in v2.5.
const msaTextLimit = 80

// GenerateACK acknowledges incoming with code. A non-empty text goes to
// MSA-3. Sender and receiver are swapped and MSA-2 echoes the original
// control id, so incoming may be an empty Message when the original could
// not be parsed.
func GenerateACK(incoming *Message, code, text string) *Message {
	return buildACK(incoming, code, text, time.Now().UTC())
}

func buildACK(in *Message, code, text string, now time.Time) *Message {
	d := in.Delims
	if d.Field == 0 {
		d = DefaultDelimiters
	}
	version := in.Version
	if version == "" {
		version = "2.5.1"
	}

	msh := &Segment{Name: "MSH", Fields: []Field{
		literalField(string(d.Field)),
		literalField(d.EncodingCharacters()),
	}}
	for field, v := range map[int]string{
		3:  in.ReceivingApp,
		4:  in.ReceivingFac,
		5:  in.SendingApp,
		6:  in.SendingFac,
		7:  now.Format("20060102150405"),
		10: ackControlID(),
		11: "P",
		12: version,
	} {
		msh.Set(field, 0, 1, 1, v)
	}
	msh.Set(9, 0, 1, 1, "ACK")
	if orig := in.GetSegment("MSH"); orig != nil {
		msh.Set(9, 0, 2, 1, orig.Get(9, 0, 2, 1))
	}
	msh.Set(9, 0, 3, 1, "ACK")

	msa := &Segment{Name: "MSA"}
	msa.Set(1, 0, 1, 1, code)
	msa.Set(2, 0, 1, 1, in.ControlID)
	if text = strings.TrimSpace(text); text != "" {
		if r := []rune(text); len(r) > msaTextLimit {
			text = string(r[:msaTextLimit])
		}
		msa.Set(3, 0, 1, 1, text)
	}

	ack := &Message{Delims: d, Segments: []*Segment{msh, msa}}
	ack.extractMSHFields()
	return ack
}

// ackControlID fits the 20 character MSH-10 limit.
func ackControlID() string {
	return "ACK" + strings.ReplaceAll(uuid.NewString(), "-", "")[:17]
}
