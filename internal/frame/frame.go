// Package frame implements the OIG wire protocol shared by every layer of
// the proxy: the streaming decoder, CRC verification, and the canonical
// constructors for locally synthesized replies.
//
// On the wire a frame is
//
//	'@' LEN4 '#' BODY '#' CRC4 CR LF
//
// where LEN4 is the zero-padded decimal byte length of BODY, BODY is an XML
// <msg> element, and CRC4 is the CRC-16/CCITT checksum of BODY in uppercase
// hex. The decoder never re-serializes: Frame.Raw holds the exact bytes
// received, and that is what gets forwarded upstream.
package frame

import (
	"strings"
	"time"
)

// =============================================================================
// Table Names and Classes
// =============================================================================

// Reserved control table names. Anything else is treated as a data table.
const (
	TableAck          = "ACK"
	TableEnd          = "END"
	TableIsNewSet     = "IsNewSet"
	TableIsNewFW      = "IsNewFW"
	TableIsNewWeather = "IsNewWeather"
)

// Well-known reason strings.
const (
	ReasonTable   = "Table"
	ReasonSetting = "Setting"
)

// Class is the routing category of a frame. It is resolved once at parse
// time so the hot path dispatches on a small integer, not on table-name
// strings (the strings remain on the Frame for observability).
type Class int

const (
	// ClassData is a telemetry table (tbl_actual, tbl_events, ...) or any
	// unrecognized table name.
	ClassData Class = iota

	// ClassParams is a configuration echo table (tbl_*_prms).
	ClassParams

	// ClassAck is an acknowledgement frame.
	ClassAck

	// ClassEnd terminates a request/poll and may carry time fields.
	ClassEnd

	// ClassIsNewSet asks whether a new setting is available.
	ClassIsNewSet

	// ClassIsNewFW asks whether new firmware is available.
	ClassIsNewFW

	// ClassIsNewWeather asks whether new weather data is available.
	ClassIsNewWeather
)

// String returns the class name for logs and events.
func (c Class) String() string {
	switch c {
	case ClassParams:
		return "params"
	case ClassAck:
		return "ack"
	case ClassEnd:
		return "end"
	case ClassIsNewSet:
		return "isnewset"
	case ClassIsNewFW:
		return "isnewfw"
	case ClassIsNewWeather:
		return "isnewweather"
	default:
		return "data"
	}
}

// ExpectsResponse reports whether the cloud answers this frame class. The
// only class answered with silence is an ACK: it is itself the answer.
// END historically carried a "no response" label in the contract matrix,
// but live cloud behavior returns an ACK, and that is the rule here.
func (c Class) ExpectsResponse() bool {
	return c != ClassAck
}

// Classify resolves a table name to its routing class.
func Classify(table string) Class {
	switch table {
	case TableAck:
		return ClassAck
	case TableEnd:
		return ClassEnd
	case TableIsNewSet:
		return ClassIsNewSet
	case TableIsNewFW:
		return ClassIsNewFW
	case TableIsNewWeather:
		return ClassIsNewWeather
	}
	if strings.HasPrefix(table, "tbl_") && strings.HasSuffix(table, "_prms") {
		return ClassParams
	}
	return ClassData
}

// =============================================================================
// Frame Model
// =============================================================================

// Pair is one ordered payload entry. Values are untyped text; the proxy
// never interprets them.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Frame is one complete protocol message.
type Frame struct {
	// Table is the table name or control verb. Required for routing.
	Table string

	// Device identifies the BOX; may be empty on control frames.
	Device string

	// Reason modifies semantics ("Table", "Setting", ...).
	Reason string

	// Payload holds the ordered key/value pairs of the body.
	Payload []Pair

	// Raw is the exact bytes received, including envelope and CRC trailer.
	// This — never a re-serialization — is what gets forwarded upstream.
	Raw []byte

	// CRCOK is the result of trailer verification.
	CRCOK bool

	// Class is the routing category, resolved at parse time.
	Class Class

	// ReceivedAt is stamped by the decoder.
	ReceivedAt time.Time
}

// Serialize returns the wire bytes of the frame. For a parsed frame this is
// Raw verbatim, which is what makes parse/serialize a strict round trip.
func (f *Frame) Serialize() []byte {
	return f.Raw
}

// PayloadValue returns the value for a payload key and whether it exists.
func (f *Frame) PayloadValue(key string) (string, bool) {
	for _, p := range f.Payload {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}
