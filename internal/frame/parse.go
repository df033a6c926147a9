package frame

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrIncomplete means the buffer holds fewer bytes than the frame
	// declares. The caller should read more and retry.
	ErrIncomplete = errors.New("frame: incomplete frame")

	// ErrMalformed means the bytes are syntactically invalid and the
	// session cannot be trusted to stay in sync. The caller closes it.
	ErrMalformed = errors.New("frame: malformed frame")
)

// Envelope geometry. A frame is envelopeOverhead bytes longer than its body.
const (
	startByte        = '@'
	sepByte          = '#'
	lenDigits        = 4
	crcDigits        = 4
	headerLen        = 1 + lenDigits + 1 // '@' + LEN4 + '#'
	envelopeOverhead = headerLen + 1 + crcDigits + 2

	// MaxBodyLen is the largest body the 4-digit length field can declare.
	MaxBodyLen = 9999
)

// xmlMsg mirrors the <msg> body element.
type xmlMsg struct {
	XMLName xml.Name `xml:"msg"`
	Table   string   `xml:"table,attr"`
	Device  string   `xml:"device,attr"`
	Reason  string   `xml:"reason,attr"`
	Pairs   []struct {
		N string `xml:"n,attr"`
		V string `xml:"v,attr"`
	} `xml:"p"`
}

// Parse extracts the next complete frame from buf. It returns the frame,
// the number of bytes consumed, and an error. ErrIncomplete means more
// bytes are needed; ErrMalformed means the stream is unrecoverable. A CRC
// mismatch is NOT an error: the frame is returned with CRCOK=false so the
// upper layers can forward it verbatim and log.
func Parse(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLen {
		return nil, 0, ErrIncomplete
	}
	if buf[0] != startByte {
		return nil, 0, fmt.Errorf("%w: bad start byte 0x%02x", ErrMalformed, buf[0])
	}
	bodyLen, err := parseLen(buf[1 : 1+lenDigits])
	if err != nil {
		return nil, 0, err
	}
	if buf[headerLen-1] != sepByte {
		return nil, 0, fmt.Errorf("%w: missing body separator", ErrMalformed)
	}

	total := bodyLen + envelopeOverhead
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}

	body := buf[headerLen : headerLen+bodyLen]
	rest := buf[headerLen+bodyLen : total]
	if rest[0] != sepByte || rest[1+crcDigits] != '\r' || rest[2+crcDigits] != '\n' {
		return nil, 0, fmt.Errorf("%w: bad trailer delimiters", ErrMalformed)
	}
	wantCRC, err := strconv.ParseUint(string(rest[1:1+crcDigits]), 16, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad crc field", ErrMalformed)
	}

	var msg xmlMsg
	if err := xml.Unmarshal(body, &msg); err != nil {
		return nil, 0, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if msg.Table == "" {
		// The table name routes the frame; a frame without one cannot be
		// dispatched.
		return nil, 0, fmt.Errorf("%w: missing table attribute", ErrMalformed)
	}

	f := &Frame{
		Table:      msg.Table,
		Device:     msg.Device,
		Reason:     msg.Reason,
		Raw:        append([]byte(nil), buf[:total]...),
		CRCOK:      Checksum(body) == uint16(wantCRC),
		Class:      Classify(msg.Table),
		ReceivedAt: time.Now(),
	}
	if len(msg.Pairs) > 0 {
		f.Payload = make([]Pair, 0, len(msg.Pairs))
		for _, p := range msg.Pairs {
			f.Payload = append(f.Payload, Pair{Key: p.N, Value: p.V})
		}
	}
	return f, total, nil
}

func parseLen(digits []byte) (int, error) {
	n := 0
	for _, d := range digits {
		if d < '0' || d > '9' {
			return 0, fmt.Errorf("%w: non-numeric length field", ErrMalformed)
		}
		n = n*10 + int(d-'0')
	}
	return n, nil
}

// =============================================================================
// Streaming Decoder
// =============================================================================

// Decoder pulls complete frames from a byte stream, reassembling frames
// split across reads and splitting frames coalesced into one read.
type Decoder struct {
	r   io.Reader
	buf []byte
	tmp [4096]byte
}

// NewDecoder wraps r. The reader's deadlines (if any) govern blocking.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next complete frame. It blocks on the underlying reader
// until a frame is available. On a clean peer close with no buffered
// partial frame it returns io.EOF; a partial frame cut off by EOF is
// reported as ErrMalformed wrapping io.ErrUnexpectedEOF.
func (d *Decoder) Next() (*Frame, error) {
	for {
		if len(d.buf) > 0 {
			f, n, err := Parse(d.buf)
			if err == nil {
				d.buf = d.buf[n:]
				return f, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
		}

		n, err := d.r.Read(d.tmp[:])
		if n > 0 {
			d.buf = append(d.buf, d.tmp[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF && len(d.buf) > 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, io.ErrUnexpectedEOF)
			}
			return nil, err
		}
	}
}

// Buffered reports how many undecoded bytes the decoder is holding.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
