// Package packet holds the observation mappings that flow from the station
// to the uploaders: loop packets and archive records share one shape.
package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/de-wax/go-pkg/dewpoint"
	"github.com/spf13/cast"
)

// Error constants for better error handling
var (
	ErrInvalidPayload   = errors.New("invalid packet payload")
	ErrMissingTimestamp = errors.New("packet has no dateTime")
)

// Unit systems carried in the usUnits field.
const (
	US       = 1
	Metric   = 16
	MetricWX = 17
)

// Packet maps an observation name to its value. The dateTime field holds
// unix seconds and usUnits the unit system of every other value.
type Packet map[string]any

// DateTime returns the packet timestamp in unix seconds.
func (p Packet) DateTime() (int64, bool) {
	v, ok := p["dateTime"]
	if !ok || v == nil {
		return 0, false
	}
	ts, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// Lookup returns the value of an observation, falling back to a
// case-insensitive match for names read from configuration.
func (p Packet) Lookup(name string) (any, bool) {
	if v, ok := p[name]; ok {
		return v, true
	}
	for k, v := range p {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Units returns the unit system of the packet.
func (p Packet) Units() (int, bool) {
	v, ok := p["usUnits"]
	if !ok || v == nil {
		return 0, false
	}
	u, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return u, true
}

// Float returns the numeric value of an observation. Missing, nil and NaN
// values report false.
func (p Packet) Float(name string) (float64, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// Copy returns a shallow copy of the packet.
func (p Packet) Copy() Packet {
	out := make(Packet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the observation names in sorted order.
func (p Packet) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the packet with sorted keys, for debug logs.
func (p Packet) String() string {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s': %v", k, p[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Decode parses a JSON object into a packet.
func Decode(b []byte) (Packet, error) {
	var raw map[string]any
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}

	p := make(Packet, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				p[k] = i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidPayload, k, err)
			}
			p[k] = f
			continue
		}
		p[k] = v
	}

	if _, ok := p.DateTime(); !ok {
		return nil, ErrMissingTimestamp
	}
	return p, nil
}

// Derive fills in dewpoint from outTemp and outHumidity when the station did
// not supply it. Temperatures follow the packet's unit system.
func Derive(p Packet) {
	if _, ok := p.Float("dewpoint"); ok {
		return
	}
	temp, ok := p.Float("outTemp")
	if !ok {
		return
	}
	rh, ok := p.Float("outHumidity")
	if !ok {
		return
	}

	units, _ := p.Units()
	tempC := temp
	if units == US {
		tempC = (temp - 32) * 5 / 9
	}

	dp, err := dewpoint.Calculate(tempC, rh)
	if err != nil {
		log.Printf("dewpoint.Calculate(%f, %f): %v", tempC, rh, err)
		return
	}

	if units == US {
		dp = dp*9/5 + 32
	}
	p["dewpoint"] = dp
}
