package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

const testDevice = "2206237818"

func TestBuildAck_CanonicalLength(t *testing.T) {
	ack := BuildAck(testDevice, ReasonTable)
	if len(ack) != 75 {
		t.Fatalf("BuildAck() = %d bytes, want 75 (captured cloud reply length)", len(ack))
	}
}

func TestBuildAck_Deterministic(t *testing.T) {
	a := BuildAck(testDevice, "END")
	b := BuildAck(testDevice, "END")
	if !bytes.Equal(a, b) {
		t.Errorf("BuildAck() not deterministic:\n%q\n%q", a, b)
	}
}

func TestBuildAck_RoundTrip(t *testing.T) {
	raw := BuildAck(testDevice, ReasonTable)

	f, n, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n != len(raw) {
		t.Errorf("Parse() consumed %d bytes, want %d", n, len(raw))
	}
	if !f.CRCOK {
		t.Error("synthesized ACK failed CRC verification")
	}
	if f.Table != TableAck || f.Device != testDevice || f.Reason != ReasonTable {
		t.Errorf("Parse() = table %q device %q reason %q", f.Table, f.Device, f.Reason)
	}
	if f.Class != ClassAck {
		t.Errorf("Class = %v, want ClassAck", f.Class)
	}
	if !bytes.Equal(f.Serialize(), raw) {
		t.Error("Serialize() != original bytes")
	}
}

func TestBuildEnd(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2024, 5, 1, 13, 30, 0, 0, loc)

	tests := []struct {
		name      string
		opts      EndOptions
		wantPairs []Pair
	}{
		{
			name:      "bare",
			opts:      EndOptions{},
			wantPairs: nil,
		},
		{
			name: "with time and marker",
			opts: EndOptions{Time: at, GetActual: true},
			wantPairs: []Pair{
				{Key: "Time", Value: "2024-05-01 13:30:00"},
				{Key: "UTCTime", Value: "2024-05-01 12:30:00"},
				{Key: "GetActual", Value: "1"},
			},
		},
		{
			name:      "marker only",
			opts:      EndOptions{GetActual: true},
			wantPairs: []Pair{{Key: "GetActual", Value: "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := BuildEnd(testDevice, tt.opts)
			f, _, err := Parse(raw)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if !f.CRCOK {
				t.Error("synthesized END failed CRC verification")
			}
			if f.Class != ClassEnd {
				t.Errorf("Class = %v, want ClassEnd", f.Class)
			}
			if len(f.Payload) != len(tt.wantPairs) {
				t.Fatalf("payload = %v, want %v", f.Payload, tt.wantPairs)
			}
			for i, p := range tt.wantPairs {
				if f.Payload[i] != p {
					t.Errorf("payload[%d] = %v, want %v", i, f.Payload[i], p)
				}
			}
		})
	}
}

func TestBuild_RoundTrip(t *testing.T) {
	raw := Build("tbl_box_prms", testDevice, ReasonSetting, []Pair{
		{Key: "mode", Value: "HOME 1"},
		{Key: "grid_delivery", Value: "0"},
	})
	f, _, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Class != ClassParams {
		t.Errorf("Class = %v, want ClassParams", f.Class)
	}
	if v, ok := f.PayloadValue("mode"); !ok || v != "HOME 1" {
		t.Errorf("PayloadValue(mode) = %q, %v", v, ok)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		table string
		want  Class
	}{
		{"tbl_actual", ClassData},
		{"tbl_events", ClassData},
		{"tbl_box_prms", ClassParams},
		{"tbl_invertor_prms", ClassParams},
		{"ACK", ClassAck},
		{"END", ClassEnd},
		{"IsNewSet", ClassIsNewSet},
		{"IsNewFW", ClassIsNewFW},
		{"IsNewWeather", ClassIsNewWeather},
		{"tbl_future_unknown", ClassData},
		{"SomethingElse", ClassData},
	}
	for _, tt := range tests {
		if got := Classify(tt.table); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.table, got, tt.want)
		}
	}
}

func TestParse_Incomplete(t *testing.T) {
	raw := BuildAck(testDevice, ReasonTable)
	for _, cut := range []int{0, 1, 5, len(raw) / 2, len(raw) - 1} {
		if _, _, err := Parse(raw[:cut]); !errors.Is(err, ErrIncomplete) {
			t.Errorf("Parse(raw[:%d]) error = %v, want ErrIncomplete", cut, err)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	good := BuildAck(testDevice, ReasonTable)

	badStart := append([]byte(nil), good...)
	badStart[0] = 'X'

	badLen := append([]byte(nil), good...)
	badLen[2] = 'Z'

	badSep := append([]byte(nil), good...)
	badSep[5] = '!'

	badBody := append([]byte(nil), good...)
	copy(badBody[6:], "<msg ><oops")

	tests := []struct {
		name string
		in   []byte
	}{
		{"bad start byte", badStart},
		{"non-numeric length", badLen},
		{"missing separator", badSep},
		{"unparseable body", badBody},
		{"random garbage", []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\npadding-padding")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Parse(tt.in); !errors.Is(err, ErrMalformed) {
				t.Errorf("Parse() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParse_BadCRCStillReturnsFrame(t *testing.T) {
	raw := Build("tbl_actual", testDevice, ReasonTable, []Pair{{Key: "p1", Value: "100"}})

	// Flip one digit inside a payload value: the XML stays valid, the
	// checksum does not.
	corrupted := append([]byte(nil), raw...)
	i := bytes.Index(corrupted, []byte(`v="100"`))
	if i < 0 {
		t.Fatal("payload value not found in raw frame")
	}
	corrupted[i+3] = '9'

	f, n, err := Parse(corrupted)
	if err != nil {
		t.Fatalf("Parse() error = %v, want frame with CRCOK=false", err)
	}
	if f.CRCOK {
		t.Error("CRCOK = true for corrupted body")
	}
	if n != len(corrupted) {
		t.Errorf("consumed %d bytes, want %d", n, len(corrupted))
	}
	if !bytes.Equal(f.Raw, corrupted) {
		t.Error("Raw must preserve the corrupted bytes verbatim for forwarding")
	}
}

// chunkReader yields its input in fixed-size chunks to exercise frame
// reassembly across short reads.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	raw := BuildEnd(testDevice, EndOptions{Time: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), GetActual: true})

	for _, size := range []int{1, 2, 3, 7, len(raw) - 1} {
		d := NewDecoder(&chunkReader{data: append([]byte(nil), raw...), size: size})
		f, err := d.Next()
		if err != nil {
			t.Fatalf("chunk size %d: Next() error = %v", size, err)
		}
		if !bytes.Equal(f.Raw, raw) {
			t.Errorf("chunk size %d: reassembled frame differs from input", size)
		}
		if _, err := d.Next(); err != io.EOF {
			t.Errorf("chunk size %d: trailing Next() error = %v, want io.EOF", size, err)
		}
	}
}

func TestDecoder_CoalescedFrames(t *testing.T) {
	first := BuildAck(testDevice, ReasonTable)
	second := BuildEnd(testDevice, EndOptions{})
	stream := append(append([]byte(nil), first...), second...)

	d := NewDecoder(bytes.NewReader(stream))

	f1, err := d.Next()
	if err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	f2, err := d.Next()
	if err != nil {
		t.Fatalf("second Next() error = %v", err)
	}
	if f1.Table != TableAck || f2.Table != TableEnd {
		t.Errorf("frame order = %q, %q; want ACK, END", f1.Table, f2.Table)
	}
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("trailing Next() error = %v, want io.EOF", err)
	}
}

func TestDecoder_CleanEOF(t *testing.T) {
	d := NewDecoder(bytes.NewReader(nil))
	if _, err := d.Next(); err != io.EOF {
		t.Errorf("Next() on empty stream = %v, want io.EOF", err)
	}
}

func TestDecoder_TruncatedByEOF(t *testing.T) {
	raw := BuildAck(testDevice, ReasonTable)
	d := NewDecoder(bytes.NewReader(raw[:20]))
	if _, err := d.Next(); !errors.Is(err, ErrMalformed) {
		t.Errorf("Next() on truncated stream = %v, want ErrMalformed", err)
	}
}

func TestChecksum_KnownVectors(t *testing.T) {
	// CRC-16/CCITT-FALSE check value from the standard test string.
	if got := Checksum([]byte("123456789")); got != 0x29B1 {
		t.Errorf("Checksum(123456789) = %04X, want 29B1", got)
	}
	if got := Checksum(nil); got != 0xFFFF {
		t.Errorf("Checksum(nil) = %04X, want FFFF (init value)", got)
	}
}
