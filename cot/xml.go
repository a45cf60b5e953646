package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var knownDetailChildren = map[string]bool{
	"contact":           true,
	"group":             true,
	"track":             true,
	"status":            true,
	"takv":              true,
	"precisionlocation": true,
}

// ParseXML decodes a CoT XML event per §4.2/§6. Unrecognised <detail>
// children are concatenated (whitespace-separated) into Detail.XMLDetail;
// recognised children populate their typed sub-structs.
func ParseXML(data []byte) (Event, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var ev Event
	var sawEvent, sawTime, sawStart, sawStale bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Event{}, newErr(KindXMLError, "token stream", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "event":
			sawEvent = true
			ev.Version = attrOrDefault(start, "version", "")
			ev.UID = attrOrDefault(start, "uid", "")
			ev.Type = attrOrDefault(start, "type", "")
			ev.How = attrOrDefault(start, "how", "")
			if v := attrOrDefault(start, "time", ""); v != "" {
				t, perr := parseCoTTime(v)
				if perr != nil {
					return Event{}, newErr(KindXMLError, "time attribute", perr)
				}
				ev.Time = t
				sawTime = true
			}
			if v := attrOrDefault(start, "start", ""); v != "" {
				t, perr := parseCoTTime(v)
				if perr != nil {
					return Event{}, newErr(KindXMLError, "start attribute", perr)
				}
				ev.Start = t
				sawStart = true
			}
			if v := attrOrDefault(start, "stale", ""); v != "" {
				t, perr := parseCoTTime(v)
				if perr != nil {
					return Event{}, newErr(KindXMLError, "stale attribute", perr)
				}
				ev.Stale = t
				sawStale = true
			}
		case "point":
			ev.Point = parsePoint(start)
		case "detail":
			d, derr := parseDetail(dec, start)
			if derr != nil {
				return Event{}, derr
			}
			if !d.empty() {
				ev.Detail = d
			}
		}
	}

	if !sawEvent {
		return Event{}, newErr(KindXMLError, "missing <event> root", nil)
	}
	if !sawTime || !sawStart || !sawStale {
		return Event{}, newErr(KindMissingField, "time/start/stale", nil)
	}
	return ev, nil
}

func attrOrDefault(start xml.StartElement, name, def string) string {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return def
}

func attrFloat(start xml.StartElement, name string, def float64) float64 {
	v := attrOrDefault(start, name, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func parsePoint(start xml.StartElement) Point {
	return Point{
		Lat: attrFloat(start, "lat", 0),
		Lon: attrFloat(start, "lon", 0),
		Hae: attrFloat(start, "hae", 0.0),
		CE:  attrFloat(start, "ce", unknownErrorValue),
		LE:  attrFloat(start, "le", unknownErrorValue),
	}
}

// parseDetail consumes tokens up to and including the matching </detail>,
// dispatching recognised children to typed fields and capturing the raw XML
// of everything else into XMLDetail.
func parseDetail(dec *xml.Decoder, _ xml.StartElement) (*Detail, error) {
	d := &Detail{}
	var residual []string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, newErr(KindXMLError, "unterminated <detail>", nil)
		}
		if err != nil {
			return nil, newErr(KindXMLError, "detail token stream", err)
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "detail" {
				if len(residual) > 0 {
					d.XMLDetail = strings.Join(residual, " ")
				}
				return d, nil
			}
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if knownDetailChildren[name] {
				switch name {
				case "contact":
					d.Contact = &Contact{
						Callsign: attrOrDefault(t, "callsign", ""),
						Endpoint: attrOrDefault(t, "endpoint", ""),
					}
				case "group":
					d.Group = &Group{
						Name: attrOrDefault(t, "name", ""),
						Role: attrOrDefault(t, "role", ""),
					}
				case "track":
					d.Track = &Track{
						Speed:  attrFloat(t, "speed", 0),
						Course: attrFloat(t, "course", 0),
					}
				case "status":
					bat, _ := strconv.Atoi(attrOrDefault(t, "battery", "0"))
					d.Status = &Status{Battery: int32(bat)}
				case "takv":
					d.Takv = &Takv{
						Device:   attrOrDefault(t, "device", ""),
						Platform: attrOrDefault(t, "platform", ""),
						OS:       attrOrDefault(t, "os", ""),
						Version:  attrOrDefault(t, "version", ""),
					}
				case "precisionlocation":
					d.PrecisionLocation = &PrecisionLocation{
						GeoPointSrc: attrOrDefault(t, "geopointsrc", ""),
						AltSrc:      attrOrDefault(t, "altsrc", ""),
					}
				}
				if err := dec.Skip(); err != nil {
					return nil, newErr(KindXMLError, "skip recognised detail child", err)
				}
				continue
			}

			raw, err := captureElement(dec, t)
			if err != nil {
				return nil, err
			}
			residual = append(residual, raw)
		}
	}
}

// captureElement re-serialises the element starting at `start` (already
// consumed from dec) verbatim, including nested content, and returns it as a
// string. Used to preserve unrecognised <detail> children exactly.
func captureElement(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeToken(start); err != nil {
		return "", newErr(KindXMLError, "encode residual start", err)
	}

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", newErr(KindXMLError, "residual token stream", err)
		}
		if err := enc.EncodeToken(tok); err != nil {
			return "", newErr(KindXMLError, "encode residual token", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name == start.Name {
				depth++
			}
		case xml.EndElement:
			if t.Name == start.Name {
				if depth == 0 {
					if err := enc.Flush(); err != nil {
						return "", newErr(KindXMLError, "flush residual", err)
					}
					return buf.String(), nil
				}
				depth--
			}
		}
	}
}

const cotTimeLayout = "2006-01-02T15:04:05.000Z"

func parseCoTTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised CoT timestamp %q", s)
}

func formatCoTTime(t time.Time) string {
	return t.UTC().Format(cotTimeLayout)
}

// EncodeXML renders an Event as canonical CoT XML: attributes in a fixed
// order so hashes of re-encoded events are stable (§4.2).
func EncodeXML(e Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString("<event")
	writeAttr(&buf, "version", e.Version)
	writeAttr(&buf, "uid", e.UID)
	writeAttr(&buf, "type", e.Type)
	writeAttr(&buf, "time", formatCoTTime(e.Time))
	writeAttr(&buf, "start", formatCoTTime(e.Start))
	writeAttr(&buf, "stale", formatCoTTime(e.Stale))
	writeAttr(&buf, "how", e.How)
	buf.WriteString(">")

	buf.WriteString("<point")
	writeAttr(&buf, "lat", formatFloat(e.Point.Lat))
	writeAttr(&buf, "lon", formatFloat(e.Point.Lon))
	writeAttr(&buf, "hae", formatFloat(e.Point.Hae))
	writeAttr(&buf, "ce", formatFloat(e.Point.CE))
	writeAttr(&buf, "le", formatFloat(e.Point.LE))
	buf.WriteString("/>")

	if !e.Detail.empty() {
		buf.WriteString("<detail>")
		d := e.Detail
		if d.Contact != nil {
			buf.WriteString("<contact")
			writeAttr(&buf, "callsign", d.Contact.Callsign)
			writeAttr(&buf, "endpoint", d.Contact.Endpoint)
			buf.WriteString("/>")
		}
		if d.Group != nil {
			buf.WriteString("<group")
			writeAttr(&buf, "name", d.Group.Name)
			writeAttr(&buf, "role", d.Group.Role)
			buf.WriteString("/>")
		}
		if d.Track != nil {
			buf.WriteString("<track")
			writeAttr(&buf, "speed", formatFloat(d.Track.Speed))
			writeAttr(&buf, "course", formatFloat(d.Track.Course))
			buf.WriteString("/>")
		}
		if d.Status != nil {
			buf.WriteString("<status")
			writeAttr(&buf, "battery", strconv.Itoa(int(d.Status.Battery)))
			buf.WriteString("/>")
		}
		if d.Takv != nil {
			buf.WriteString("<takv")
			writeAttr(&buf, "device", d.Takv.Device)
			writeAttr(&buf, "platform", d.Takv.Platform)
			writeAttr(&buf, "os", d.Takv.OS)
			writeAttr(&buf, "version", d.Takv.Version)
			buf.WriteString("/>")
		}
		if d.PrecisionLocation != nil {
			buf.WriteString("<precisionlocation")
			writeAttr(&buf, "geopointsrc", d.PrecisionLocation.GeoPointSrc)
			writeAttr(&buf, "altsrc", d.PrecisionLocation.AltSrc)
			buf.WriteString("/>")
		}
		if d.XMLDetail != "" {
			buf.WriteString(d.XMLDetail)
		}
		buf.WriteString("</detail>")
	}
	buf.WriteString("</event>")
	return buf.Bytes(), nil
}

// writeAttr appends ` name="value"` to buf with proper XML attribute
// escaping (distinct from Go's %q, which Go-escapes rather than XML-escapes).
func writeAttr(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, ` %s="`, name)
	xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
