// Package ambient builds Weather Underground "Ambient protocol" upload requests.
package ambient

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jacaudi/wunderground_like/internal/packet"
)

// SoftwareType is reported to the server with every upload.
const SoftwareType = "wunderground_like-1.0"

// dateFormat is the layout of the dateutc parameter.
const dateFormat = "2006-01-02 15:04:05"

type format struct {
	param  string
	layout string
}

// formats maps observation names to request parameters. Values must already
// be in US customary units.
var formats = map[string]format{
	"barometer":   {"baromin", "%.3f"},
	"outTemp":     {"tempf", "%.1f"},
	"outHumidity": {"humidity", "%03.0f"},
	"windSpeed":   {"windspeedmph", "%03.1f"},
	"windDir":     {"winddir", "%03.0f"},
	"windGust":    {"windgustmph", "%03.1f"},
	"windGustDir": {"windgustdir", "%03.0f"},
	"dewpoint":    {"dewptf", "%.1f"},
	"hourRain":    {"rainin", "%.2f"},
	"dayRain":     {"dailyrainin", "%.2f"},
	"radiation":   {"solarradiation", "%.2f"},
	"UV":          {"UV", "%.2f"},
	"inTemp":      {"indoortempf", "%.1f"},
	"inHumidity":  {"indoorhumidity", "%03.0f"},
	"extraTemp1":  {"temp2f", "%.1f"},
	"extraTemp2":  {"temp3f", "%.1f"},
	"extraTemp3":  {"temp4f", "%.1f"},
	"soilTemp1":   {"soiltempf", "%.1f"},
	"soilTemp2":   {"soiltemp2f", "%.1f"},
	"soilTemp3":   {"soiltemp3f", "%.1f"},
	"soilTemp4":   {"soiltemp4f", "%.1f"},
	"soilMoist1":  {"soilmoisture", "%03.0f"},
	"soilMoist2":  {"soilmoisture2", "%03.0f"},
	"soilMoist3":  {"soilmoisture3", "%03.0f"},
	"soilMoist4":  {"soilmoisture4", "%03.0f"},
	"leafWet1":    {"leafwetness", "%03.0f"},
	"leafWet2":    {"leafwetness2", "%03.0f"},
	"co":          {"AqCO", "%f"},
	"no2":         {"AqNO2", "%f"},
	"o3":          {"AqOZONE", "%f"},
	"pm10_0":      {"AqPM10", "%.1f"},
	"pm2_5":       {"AqPM2.5", "%.1f"},
	"so2":         {"AqSO2", "%f"},
}

// Data represents one upload request
type Data struct {
	Station      string
	Password     string
	SoftwareType string
	Timestamp    int64
	Fields       map[string]string
}

// New creates a new Data struct
func New(station, password string) *Data {
	return &Data{
		Station:      station,
		Password:     password,
		SoftwareType: SoftwareType,
		Fields:       make(map[string]string),
	}
}

// Format converts a packet into upload parameters. Observations without a
// known parameter, or without a value, are left out.
func Format(p packet.Packet, station, password string) (*Data, error) {
	ts, ok := p.DateTime()
	if !ok {
		return nil, packet.ErrMissingTimestamp
	}

	m := New(station, password)
	m.Timestamp = ts
	for name, f := range formats {
		v, ok := p.Float(name)
		if !ok {
			continue
		}
		m.Fields[f.param] = fmt.Sprintf(f.layout, v)
	}
	return m, nil
}

// Marshal converts Data into the query string of an upload request
func (m *Data) Marshal() string {
	params := make([]string, 0, len(m.Fields)+5)
	params = append(params,
		"action=updateraw",
		"ID="+url.QueryEscape(m.Station),
		"PASSWORD="+url.QueryEscape(m.Password),
		"softwaretype="+url.QueryEscape(m.SoftwareType),
		"dateutc="+url.QueryEscape(time.Unix(m.Timestamp, 0).UTC().Format(dateFormat)),
	)

	fields := make([]string, 0, len(m.Fields))
	for field, value := range m.Fields {
		fields = append(fields, url.QueryEscape(field)+"="+url.QueryEscape(value))
	}
	sort.Strings(fields)

	return strings.Join(append(params, fields...), "&")
}

// URL returns the full request URL for serverURL.
func (m *Data) URL(serverURL string) string {
	sep := "?"
	if strings.Contains(serverURL, "?") {
		sep = "&"
	}
	return serverURL + sep + m.Marshal()
}

// Redacted returns the request URL with the password masked, for logs.
func (m *Data) Redacted(serverURL string) string {
	c := *m
	c.Password = "XXX"
	return c.URL(serverURL)
}
