package telemetry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const measurementsKey = "measurements"

// Document is the persisted series. Stored entries and top-level keys other
// than "measurements" are carried through byte for byte; only entries added
// by Merge are rendered by this package.
type Document struct {
	// Entries holds the series items as raw JSON values, oldest first.
	Entries []json.RawMessage

	// base is the stored object the series was read from, nil for a fresh
	// document.
	base []byte
}

// DecodeStatus names the outcome of reading a stored payload.
type DecodeStatus int

const (
	// StatusAbsent means the object does not exist yet.
	StatusAbsent DecodeStatus = iota
	// StatusEmpty means the object exists but holds no bytes.
	StatusEmpty
	// StatusDecoded means the payload parsed into a series.
	StatusDecoded
	// StatusCorrupted means the payload could not be decoded or parsed.
	StatusCorrupted
)

func (s DecodeStatus) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusEmpty:
		return "empty"
	case StatusDecoded:
		return "decoded"
	case StatusCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("DecodeStatus(%d)", int(s))
	}
}

var (
	errNotObject      = errors.New("top-level value is not an object")
	errNotArray       = errors.New(`"measurements" is not an array`)
	errInvalidPayload = errors.New("payload is not valid JSON")
)

// NewDocument builds a fresh document holding ms.
func NewDocument(ms ...Measurement) Document {
	entries := make([]json.RawMessage, 0, len(ms))
	for _, m := range ms {
		entries = append(entries, m.raw())
	}
	return Document{Entries: entries}
}

// Len returns the number of entries in the series.
func (d Document) Len() int {
	return len(d.Entries)
}

// Measurements decodes every entry into a Measurement. It fails on the first
// entry that is not a measurement object; the document itself does not
// depend on entries having that shape.
func (d Document) Measurements() ([]Measurement, error) {
	out := make([]Measurement, 0, len(d.Entries))
	for i, e := range d.Entries {
		var m Measurement
		if err := json.Unmarshal(e, &m); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Decoded is the result of Decode. Document is always usable; when Status is
// StatusCorrupted it is empty and Err holds the cause.
type Decoded struct {
	Status   DecodeStatus
	Document Document
	Err      error

	// Raw holds the bytes that failed to parse, or the undecodable transport
	// payload when base64 decoding itself failed.
	Raw []byte
}

// Absent is the Decoded value for an object that does not exist.
func Absent() Decoded {
	return Decoded{Status: StatusAbsent}
}

// Decode interprets a transport-encoded payload as returned by the contents
// API. Line wrapping in the base64 text is removed before decoding. Decode
// never fails; problems are reported through StatusCorrupted.
func Decode(content string) Decoded {
	normalized := strings.NewReplacer("\n", "", "\r", "").Replace(content)

	raw, err := base64.StdEncoding.DecodeString(normalized)
	if err != nil {
		return Decoded{
			Status: StatusCorrupted,
			Err:    fmt.Errorf("decode base64: %w", err),
			Raw:    []byte(content),
		}
	}
	if len(raw) == 0 {
		return Decoded{Status: StatusEmpty}
	}

	doc, err := ParseDocument(raw)
	if err != nil {
		return Decoded{Status: StatusCorrupted, Err: err, Raw: raw}
	}
	return Decoded{Status: StatusDecoded, Document: doc}
}

// ParseDocument parses a stored JSON document.
func ParseDocument(raw []byte) (Document, error) {
	if !gjson.ValidBytes(raw) {
		return Document{}, errInvalidPayload
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Document{}, errNotObject
	}

	doc := Document{base: bytes.Clone(raw)}

	series := root.Get(measurementsKey)
	if !series.Exists() {
		return doc, nil
	}
	if !series.IsArray() {
		return Document{}, errNotArray
	}
	items := series.Array()
	doc.Entries = make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		doc.Entries = append(doc.Entries, json.RawMessage(item.Raw))
	}
	return doc, nil
}

// Encode serializes the document as compact UTF-8 JSON.
func (d Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range d.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(e)
	}
	buf.WriteByte(']')

	if d.base == nil {
		out := make([]byte, 0, buf.Len()+len(measurementsKey)+5)
		out = append(out, `{"`+measurementsKey+`":`...)
		out = append(out, buf.Bytes()...)
		out = append(out, '}')
		return out, nil
	}

	out, err := sjson.SetRawBytes(d.base, measurementsKey, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, out); err != nil {
		return nil, fmt.Errorf("compact document: %w", err)
	}
	return compact.Bytes(), nil
}

// Merge appends m to the decoded series and keeps only the newest maxPoints
// entries when maxPoints is positive. Absent, empty and corrupted inputs all
// start from an empty series.
func Merge(d Decoded, m Measurement, maxPoints int) Document {
	var doc Document
	if d.Status == StatusDecoded {
		doc = d.Document
	}

	series := make([]json.RawMessage, 0, len(doc.Entries)+1)
	series = append(series, doc.Entries...)
	series = append(series, m.raw())

	if maxPoints > 0 && len(series) > maxPoints {
		series = series[len(series)-maxPoints:]
	}

	return Document{Entries: series, base: doc.base}
}
