package frame

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// Canonical constructors for locally synthesized replies. The BOX validates
// these silently by comparing them to what the cloud historically sent, so
// every byte here is load-bearing: attribute order, time layouts, and the
// trailing GetActual marker are fixed.

// timeLayout is the wall-clock layout the cloud uses in END frames.
const timeLayout = "2006-01-02 15:04:05"

// EndOptions controls the optional fields of a synthesized END frame.
type EndOptions struct {
	// Time, when non-zero, adds Time (local) and UTCTime payload entries.
	Time time.Time

	// GetActual appends the trailing GetActual marker, prompting the BOX
	// to send a fresh tbl_actual snapshot.
	GetActual bool
}

// BuildAck returns the canonical acknowledgement frame. It is a pure
// function of its arguments: repeated calls produce identical bytes. For
// the historical 10-digit device ids with reason "Table" the result is the
// 75-byte reply the cloud sends.
func BuildAck(device, reason string) []byte {
	var body bytes.Buffer
	body.WriteString(`<msg table="ACK" device="`)
	xmlEscape(&body, device)
	body.WriteString(`" reason="`)
	xmlEscape(&body, reason)
	body.WriteString(`" res="OK"/>`)
	return encode(body.Bytes())
}

// BuildEnd returns the canonical END frame, optionally carrying time fields
// and the GetActual marker. With a fixed opts.Time the output is
// deterministic.
func BuildEnd(device string, opts EndOptions) []byte {
	var body bytes.Buffer
	body.WriteString(`<msg table="END" device="`)
	xmlEscape(&body, device)
	body.WriteString(`" reason="Table"`)

	if opts.Time.IsZero() && !opts.GetActual {
		body.WriteString(`/>`)
		return encode(body.Bytes())
	}

	body.WriteString(`>`)
	if !opts.Time.IsZero() {
		writePair(&body, "Time", opts.Time.Format(timeLayout))
		writePair(&body, "UTCTime", opts.Time.UTC().Format(timeLayout))
	}
	if opts.GetActual {
		writePair(&body, "GetActual", "1")
	}
	body.WriteString(`</msg>`)
	return encode(body.Bytes())
}

// Build serializes an arbitrary frame body. It backs the control API's
// setting pushes; the synthesized replies above do not go through it.
func Build(table, device, reason string, payload []Pair) []byte {
	var body bytes.Buffer
	body.WriteString(`<msg table="`)
	xmlEscape(&body, table)
	body.WriteString(`"`)
	if device != "" {
		body.WriteString(` device="`)
		xmlEscape(&body, device)
		body.WriteString(`"`)
	}
	if reason != "" {
		body.WriteString(` reason="`)
		xmlEscape(&body, reason)
		body.WriteString(`"`)
	}
	if len(payload) == 0 {
		body.WriteString(`/>`)
		return encode(body.Bytes())
	}
	body.WriteString(`>`)
	for _, p := range payload {
		writePair(&body, p.Key, p.Value)
	}
	body.WriteString(`</msg>`)
	return encode(body.Bytes())
}

func writePair(buf *bytes.Buffer, key, value string) {
	buf.WriteString(`<p n="`)
	xmlEscape(buf, key)
	buf.WriteString(`" v="`)
	xmlEscape(buf, value)
	buf.WriteString(`"/>`)
}

// encode wraps a body in the wire envelope: start byte, length field, body
// and CRC trailer.
func encode(body []byte) []byte {
	if len(body) > MaxBodyLen {
		// Constructors only emit small control frames; a body this large
		// is a programming error, not a runtime condition.
		panic(fmt.Sprintf("frame: body of %d bytes exceeds length field", len(body)))
	}
	out := make([]byte, 0, len(body)+envelopeOverhead)
	out = append(out, startByte)
	out = append(out, fmt.Sprintf("%04d", len(body))...)
	out = append(out, sepByte)
	out = append(out, body...)
	out = append(out, sepByte)
	out = append(out, fmt.Sprintf("%04X", Checksum(body))...)
	out = append(out, '\r', '\n')
	return out
}

func xmlEscape(buf *bytes.Buffer, s string) {
	// xml.EscapeText only errors on a failing writer; bytes.Buffer never
	// fails.
	_ = xml.EscapeText(buf, []byte(s))
}
