package telemetry

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout renders UTC instants with an explicit +00:00 offset.
// Sub-second precision is kept at microseconds when present.
const (
	TimestampLayout      = "2006-01-02T15:04:05-07:00"
	TimestampLayoutMicro = "2006-01-02T15:04:05.000000-07:00"
)

// Reading is the caller-supplied part of a measurement. Units are a caller
// convention (the CLI documents °C, %, hPa).
type Reading struct {
	Temperature float64
	Humidity    float64
	Pressure    float64
}

// Measurement is one timestamped entry of the stored series.
type Measurement struct {
	Timestamp   string  `json:"ts"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
}

// NewMeasurement stamps r with at, converted to UTC.
func NewMeasurement(r Reading, at time.Time) Measurement {
	return Measurement{
		Timestamp:   FormatTimestamp(at),
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		Pressure:    r.Pressure,
	}
}

// FormatTimestamp returns the ISO-8601 form used in the document and in
// commit messages.
func FormatTimestamp(at time.Time) string {
	at = at.UTC()
	if at.Nanosecond()/int(time.Microsecond) == 0 {
		return at.Format(TimestampLayout)
	}
	return at.Format(TimestampLayoutMicro)
}

// MarshalJSON keeps the field order ts, temperature, humidity, pressure and
// writes whole numbers with a trailing ".0" so existing series stay
// byte-compatible with earlier writers.
func (m Measurement) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"ts":`)
	if err := writeJSON(&buf, m.Timestamp); err != nil {
		return nil, err
	}
	buf.WriteString(`,"temperature":`)
	buf.WriteString(formatFloat(m.Temperature))
	buf.WriteString(`,"humidity":`)
	buf.WriteString(formatFloat(m.Humidity))
	buf.WriteString(`,"pressure":`)
	buf.WriteString(formatFloat(m.Pressure))
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// raw renders m for insertion into a series. Encoding a string cannot fail,
// so neither can MarshalJSON.
func (m Measurement) raw() json.RawMessage {
	b, _ := m.MarshalJSON()
	return b
}

// formatFloat switches to exponent form outside [1e-4, 1e16).
func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// writeJSON encodes v without HTML escaping and without the trailing newline
// json.Encoder appends.
func writeJSON(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}
