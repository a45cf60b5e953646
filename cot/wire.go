package cot

import (
	"bytes"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MeshMagic is the 3-byte magic prefix identifying TAK Protocol v1 Mesh mode
// (§6). Exactly this sequence, with no length prefix, precedes the envelope.
var MeshMagic = [3]byte{0xBF, 0x01, 0xBF}

// Field numbers for the hand-rolled TakMessage/CotEvent/Detail/* wire schema.
// There is no .proto source in this exercise (no protoc toolchain available),
// so the envelope is encoded/decoded directly against these numbers using
// google.golang.org/protobuf's low-level wire primitives (protowire) rather
// than generated message types — see DESIGN.md.
const (
	fieldTakMessageCotEvent = 1

	fieldCotEventType      = 1
	fieldCotEventUID       = 2
	fieldCotEventSendTime  = 3
	fieldCotEventStartTime = 4
	fieldCotEventStaleTime = 5
	fieldCotEventHow       = 6
	fieldCotEventLat       = 7
	fieldCotEventLon       = 8
	fieldCotEventHae       = 9
	fieldCotEventCE        = 10
	fieldCotEventLE        = 11
	fieldCotEventDetail    = 12

	fieldDetailContact           = 1
	fieldDetailGroup             = 2
	fieldDetailPrecisionLocation = 3
	fieldDetailStatus            = 4
	fieldDetailTakv              = 5
	fieldDetailTrack             = 6
	fieldDetailXMLDetail         = 7

	fieldContactCallsign = 1
	fieldContactEndpoint = 2

	fieldGroupName = 1
	fieldGroupRole = 2

	fieldPrecisionLocationGeoPointSrc = 1
	fieldPrecisionLocationAltSrc      = 2

	fieldStatusBattery = 1

	fieldTakvDevice   = 1
	fieldTakvPlatform = 2
	fieldTakvOS       = 3
	fieldTakvVersion  = 4

	fieldTrackSpeed  = 1
	fieldTrackCourse = 2
)

// Detect identifies the wire format of buf per §4.2: the Mesh magic takes
// priority, then the XML prologue/root tag, otherwise Stream (varint-prefixed
// protobuf) is assumed.
func Detect(buf []byte) Format {
	if len(buf) >= 3 && buf[0] == MeshMagic[0] && buf[1] == MeshMagic[1] && buf[2] == MeshMagic[2] {
		return FormatMesh
	}
	trimmed := buf
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\t' || trimmed[0] == '\r' || trimmed[0] == '\n') {
		trimmed = trimmed[1:]
	}
	if bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<event")) {
		return FormatXML
	}
	return FormatStream
}

// ParseAny dispatches to the correct codec based on Detect(buf).
func ParseAny(buf []byte) (Event, error) {
	switch Detect(buf) {
	case FormatXML:
		return ParseXML(buf)
	case FormatMesh:
		return ParseMesh(buf)
	default:
		return ParseStream(buf)
	}
}

// ParseMesh decodes a Mesh-mode buffer: the 3-byte magic followed by a
// protobuf TakMessage (§6).
func ParseMesh(buf []byte) (Event, error) {
	if len(buf) < 3 || buf[0] != MeshMagic[0] || buf[1] != MeshMagic[1] || buf[2] != MeshMagic[2] {
		return Event{}, newErr(KindProtobufError, "missing mesh magic", nil)
	}
	return decodeTakMessage(buf[3:])
}

// ParseStream decodes a Stream-mode buffer: an unsigned varint length prefix
// (1-10 bytes) followed by the same protobuf TakMessage (§6). The length
// itself is not re-validated against len(buf) beyond what protowire already
// enforces; the caller is responsible for delivering exactly one frame.
func ParseStream(buf []byte) (Event, error) {
	n, nn := protowire.ConsumeVarint(buf)
	if nn < 0 {
		return Event{}, newErr(KindInvalidVarint, "stream length prefix", nil)
	}
	payload := buf[nn:]
	if uint64(len(payload)) < n {
		return Event{}, newErr(KindProtobufError, "stream payload shorter than declared length", nil)
	}
	return decodeTakMessage(payload[:n])
}

func decodeTakMessage(buf []byte) (Event, error) {
	var ev Event
	var sawSend, sawStart, sawStale bool

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Event{}, newErr(KindProtobufError, "consume tag", nil)
		}
		buf = buf[n:]

		if num == fieldTakMessageCotEvent && typ == protowire.BytesType {
			inner, nn := protowire.ConsumeBytes(buf)
			if nn < 0 {
				return Event{}, newErr(KindProtobufError, "consume cotEvent bytes", nil)
			}
			buf = buf[nn:]
			var err error
			ev, sawSend, sawStart, sawStale, err = decodeCotEvent(inner)
			if err != nil {
				return Event{}, err
			}
			continue
		}

		nn := protowire.ConsumeFieldValue(num, typ, buf)
		if nn < 0 {
			return Event{}, newErr(KindProtobufError, "skip unknown field", nil)
		}
		buf = buf[nn:]
	}

	if !sawSend || !sawStart || !sawStale {
		return Event{}, newErr(KindMissingField, "send/start/stale time", nil)
	}
	return ev, nil
}

func decodeCotEvent(buf []byte) (ev Event, sawSend, sawStart, sawStale bool, err error) {
	ev.Point.CE = unknownErrorValue
	ev.Point.LE = unknownErrorValue

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Event{}, false, false, false, newErr(KindProtobufError, "consume cotEvent tag", nil)
		}
		buf = buf[n:]

		switch {
		case num == fieldCotEventType && typ == protowire.BytesType:
			ev.Type, buf, err = consumeString(buf)
		case num == fieldCotEventUID && typ == protowire.BytesType:
			ev.UID, buf, err = consumeString(buf)
		case num == fieldCotEventSendTime && typ == protowire.VarintType:
			var ms uint64
			ms, buf, err = consumeVarint(buf)
			if err == nil {
				ev.Time = millisToTime(ms)
				sawSend = true
			}
		case num == fieldCotEventStartTime && typ == protowire.VarintType:
			var ms uint64
			ms, buf, err = consumeVarint(buf)
			if err == nil {
				ev.Start = millisToTime(ms)
				sawStart = true
			}
		case num == fieldCotEventStaleTime && typ == protowire.VarintType:
			var ms uint64
			ms, buf, err = consumeVarint(buf)
			if err == nil {
				ev.Stale = millisToTime(ms)
				sawStale = true
			}
		case num == fieldCotEventHow && typ == protowire.BytesType:
			ev.How, buf, err = consumeString(buf)
		case num == fieldCotEventLat && typ == protowire.Fixed64Type:
			ev.Point.Lat, buf, err = consumeDouble(buf)
		case num == fieldCotEventLon && typ == protowire.Fixed64Type:
			ev.Point.Lon, buf, err = consumeDouble(buf)
		case num == fieldCotEventHae && typ == protowire.Fixed64Type:
			ev.Point.Hae, buf, err = consumeDouble(buf)
		case num == fieldCotEventCE && typ == protowire.Fixed64Type:
			ev.Point.CE, buf, err = consumeDouble(buf)
			if err == nil && ev.Point.CE == 0 {
				ev.Point.CE = unknownErrorValue
			}
		case num == fieldCotEventLE && typ == protowire.Fixed64Type:
			ev.Point.LE, buf, err = consumeDouble(buf)
			if err == nil && ev.Point.LE == 0 {
				ev.Point.LE = unknownErrorValue
			}
		case num == fieldCotEventDetail && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				var d *Detail
				d, err = decodeDetail(inner)
				if err == nil {
					ev.Detail = d
				}
			}
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown cotEvent field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return Event{}, false, false, false, err
		}
	}
	return ev, sawSend, sawStart, sawStale, nil
}

func decodeDetail(buf []byte) (*Detail, error) {
	d := &Detail{}
	var err error
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume detail tag", nil)
		}
		buf = buf[n:]

		switch {
		case num == fieldDetailContact && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.Contact, err = decodeContact(inner)
			}
		case num == fieldDetailGroup && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.Group, err = decodeGroup(inner)
			}
		case num == fieldDetailPrecisionLocation && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.PrecisionLocation, err = decodePrecisionLocation(inner)
			}
		case num == fieldDetailStatus && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.Status, err = decodeStatus(inner)
			}
		case num == fieldDetailTakv && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.Takv, err = decodeTakv(inner)
			}
		case num == fieldDetailTrack && typ == protowire.BytesType:
			var inner []byte
			inner, buf, err = consumeBytes(buf)
			if err == nil {
				d.Track, err = decodeTrack(inner)
			}
		case num == fieldDetailXMLDetail && typ == protowire.BytesType:
			d.XMLDetail, buf, err = consumeString(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown detail field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func decodeContact(buf []byte) (*Contact, error) {
	c := &Contact{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume contact tag", nil)
		}
		buf = buf[n:]
		var err error
		switch num {
		case fieldContactCallsign:
			c.Callsign, buf, err = consumeString(buf)
		case fieldContactEndpoint:
			c.Endpoint, buf, err = consumeString(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown contact field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func decodeGroup(buf []byte) (*Group, error) {
	g := &Group{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume group tag", nil)
		}
		buf = buf[n:]
		var err error
		switch num {
		case fieldGroupName:
			g.Name, buf, err = consumeString(buf)
		case fieldGroupRole:
			g.Role, buf, err = consumeString(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown group field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

func decodePrecisionLocation(buf []byte) (*PrecisionLocation, error) {
	p := &PrecisionLocation{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume precisionlocation tag", nil)
		}
		buf = buf[n:]
		var err error
		switch num {
		case fieldPrecisionLocationGeoPointSrc:
			p.GeoPointSrc, buf, err = consumeString(buf)
		case fieldPrecisionLocationAltSrc:
			p.AltSrc, buf, err = consumeString(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown precisionlocation field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func decodeStatus(buf []byte) (*Status, error) {
	s := &Status{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume status tag", nil)
		}
		buf = buf[n:]
		if num == fieldStatusBattery && typ == protowire.VarintType {
			v, nn := protowire.ConsumeVarint(buf)
			if nn < 0 {
				return nil, newErr(KindProtobufError, "consume status battery", nil)
			}
			s.Battery = int32(v)
			buf = buf[nn:]
			continue
		}
		nn := protowire.ConsumeFieldValue(num, typ, buf)
		if nn < 0 {
			return nil, newErr(KindProtobufError, "skip unknown status field", nil)
		}
		buf = buf[nn:]
	}
	return s, nil
}

func decodeTakv(buf []byte) (*Takv, error) {
	t := &Takv{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume takv tag", nil)
		}
		buf = buf[n:]
		var err error
		switch num {
		case fieldTakvDevice:
			t.Device, buf, err = consumeString(buf)
		case fieldTakvPlatform:
			t.Platform, buf, err = consumeString(buf)
		case fieldTakvOS:
			t.OS, buf, err = consumeString(buf)
		case fieldTakvVersion:
			t.Version, buf, err = consumeString(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown takv field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func decodeTrack(buf []byte) (*Track, error) {
	t := &Track{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, newErr(KindProtobufError, "consume track tag", nil)
		}
		buf = buf[n:]
		var err error
		switch num {
		case fieldTrackSpeed:
			t.Speed, buf, err = consumeDouble(buf)
		case fieldTrackCourse:
			t.Course, buf, err = consumeDouble(buf)
		default:
			nn := protowire.ConsumeFieldValue(num, typ, buf)
			if nn < 0 {
				err = newErr(KindProtobufError, "skip unknown track field", nil)
			} else {
				buf = buf[nn:]
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func consumeString(buf []byte) (string, []byte, error) {
	b, rest, err := consumeBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}

func consumeBytes(buf []byte) ([]byte, []byte, error) {
	b, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return nil, nil, newErr(KindProtobufError, "consume bytes", nil)
	}
	return b, buf[n:], nil
}

func consumeVarint(buf []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, nil, newErr(KindInvalidVarint, "consume varint", nil)
	}
	return v, buf[n:], nil
}

func consumeDouble(buf []byte) (float64, []byte, error) {
	v, n := protowire.ConsumeFixed64(buf)
	if n < 0 {
		return 0, nil, newErr(KindProtobufError, "consume fixed64", nil)
	}
	return math.Float64frombits(v), buf[n:], nil
}

func millisToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func timeToMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// EncodeMesh renders an Event as a Mesh-mode buffer: the 3-byte magic
// followed by the protobuf TakMessage (§6).
func EncodeMesh(e Event) ([]byte, error) {
	body := encodeTakMessage(e)
	out := make([]byte, 0, 3+len(body))
	out = append(out, MeshMagic[0], MeshMagic[1], MeshMagic[2])
	return append(out, body...), nil
}

// EncodeStream renders an Event as a Stream-mode buffer: an unsigned varint
// length prefix followed by the protobuf TakMessage (§6).
func EncodeStream(e Event) ([]byte, error) {
	body := encodeTakMessage(e)
	out := protowire.AppendVarint(nil, uint64(len(body)))
	return append(out, body...), nil
}

func encodeTakMessage(e Event) []byte {
	inner := encodeCotEvent(e)
	var out []byte
	out = protowire.AppendTag(out, fieldTakMessageCotEvent, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

func encodeCotEvent(e Event) []byte {
	var out []byte
	out = appendString(out, fieldCotEventType, e.Type)
	out = appendString(out, fieldCotEventUID, e.UID)
	out = protowire.AppendTag(out, fieldCotEventSendTime, protowire.VarintType)
	out = protowire.AppendVarint(out, timeToMillis(e.Time))
	out = protowire.AppendTag(out, fieldCotEventStartTime, protowire.VarintType)
	out = protowire.AppendVarint(out, timeToMillis(e.Start))
	out = protowire.AppendTag(out, fieldCotEventStaleTime, protowire.VarintType)
	out = protowire.AppendVarint(out, timeToMillis(e.Stale))
	out = appendString(out, fieldCotEventHow, e.How)
	out = appendDouble(out, fieldCotEventLat, e.Point.Lat)
	out = appendDouble(out, fieldCotEventLon, e.Point.Lon)
	out = appendDouble(out, fieldCotEventHae, e.Point.Hae)
	// Sentinel CE/LE are transmitted as wire zero; a genuine zero error value
	// is indistinguishable from "unknown" on this wire, matching §6's receive
	// rule that zero ce/le means sentinel.
	ce := e.Point.CE
	if ce == unknownErrorValue {
		ce = 0
	}
	le := e.Point.LE
	if le == unknownErrorValue {
		le = 0
	}
	out = appendDouble(out, fieldCotEventCE, ce)
	out = appendDouble(out, fieldCotEventLE, le)
	if !e.Detail.empty() {
		out = protowire.AppendTag(out, fieldCotEventDetail, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeDetail(e.Detail))
	}
	return out
}

func encodeDetail(d *Detail) []byte {
	var out []byte
	if d.Contact != nil {
		var c []byte
		c = appendString(c, fieldContactCallsign, d.Contact.Callsign)
		c = appendString(c, fieldContactEndpoint, d.Contact.Endpoint)
		out = protowire.AppendTag(out, fieldDetailContact, protowire.BytesType)
		out = protowire.AppendBytes(out, c)
	}
	if d.Group != nil {
		var g []byte
		g = appendString(g, fieldGroupName, d.Group.Name)
		g = appendString(g, fieldGroupRole, d.Group.Role)
		out = protowire.AppendTag(out, fieldDetailGroup, protowire.BytesType)
		out = protowire.AppendBytes(out, g)
	}
	if d.PrecisionLocation != nil {
		var p []byte
		p = appendString(p, fieldPrecisionLocationGeoPointSrc, d.PrecisionLocation.GeoPointSrc)
		p = appendString(p, fieldPrecisionLocationAltSrc, d.PrecisionLocation.AltSrc)
		out = protowire.AppendTag(out, fieldDetailPrecisionLocation, protowire.BytesType)
		out = protowire.AppendBytes(out, p)
	}
	if d.Status != nil {
		var s []byte
		s = protowire.AppendTag(s, fieldStatusBattery, protowire.VarintType)
		s = protowire.AppendVarint(s, uint64(d.Status.Battery))
		out = protowire.AppendTag(out, fieldDetailStatus, protowire.BytesType)
		out = protowire.AppendBytes(out, s)
	}
	if d.Takv != nil {
		var t []byte
		t = appendString(t, fieldTakvDevice, d.Takv.Device)
		t = appendString(t, fieldTakvPlatform, d.Takv.Platform)
		t = appendString(t, fieldTakvOS, d.Takv.OS)
		t = appendString(t, fieldTakvVersion, d.Takv.Version)
		out = protowire.AppendTag(out, fieldDetailTakv, protowire.BytesType)
		out = protowire.AppendBytes(out, t)
	}
	if d.Track != nil {
		var t []byte
		t = appendDouble(t, fieldTrackSpeed, d.Track.Speed)
		t = appendDouble(t, fieldTrackCourse, d.Track.Course)
		out = protowire.AppendTag(out, fieldDetailTrack, protowire.BytesType)
		out = protowire.AppendBytes(out, t)
	}
	if d.XMLDetail != "" {
		out = appendString(out, fieldDetailXMLDetail, d.XMLDetail)
	}
	return out
}

func appendString(out []byte, field protowire.Number, s string) []byte {
	if s == "" {
		return out
	}
	out = protowire.AppendTag(out, field, protowire.BytesType)
	return protowire.AppendString(out, s)
}

func appendDouble(out []byte, field protowire.Number, v float64) []byte {
	out = protowire.AppendTag(out, field, protowire.Fixed64Type)
	return protowire.AppendFixed64(out, math.Float64bits(v))
}

// ExtractUID performs a cheap, partial decode that stops as soon as the uid
// field is found, without materialising typed Detail sub-structs. Aggregator
// uses this instead of ParseAny so dedup lookups stay cheap on the hot path.
// Returns ok=false if the buffer is malformed or carries no uid (§4.6).
func ExtractUID(buf []byte) (uid string, ok bool) {
	switch Detect(buf) {
	case FormatXML:
		return extractUIDXML(buf)
	case FormatMesh:
		if len(buf) < 3 {
			return "", false
		}
		return extractUIDCotEvent(extractTakMessageBytes(buf[3:]))
	default:
		n, nn := protowire.ConsumeVarint(buf)
		if nn < 0 {
			return "", false
		}
		payload := buf[nn:]
		if uint64(len(payload)) < n {
			return "", false
		}
		return extractUIDCotEvent(extractTakMessageBytes(payload[:n]))
	}
}

func extractTakMessageBytes(buf []byte) []byte {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil
		}
		buf = buf[n:]
		if num == fieldTakMessageCotEvent && typ == protowire.BytesType {
			inner, nn := protowire.ConsumeBytes(buf)
			if nn < 0 {
				return nil
			}
			return inner
		}
		nn := protowire.ConsumeFieldValue(num, typ, buf)
		if nn < 0 {
			return nil
		}
		buf = buf[nn:]
	}
	return nil
}

func extractUIDCotEvent(buf []byte) (string, bool) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return "", false
		}
		buf = buf[n:]
		if num == fieldCotEventUID && typ == protowire.BytesType {
			b, nn := protowire.ConsumeBytes(buf)
			if nn < 0 {
				return "", false
			}
			return string(b), true
		}
		nn := protowire.ConsumeFieldValue(num, typ, buf)
		if nn < 0 {
			return "", false
		}
		buf = buf[nn:]
	}
	return "", false
}

func extractUIDXML(buf []byte) (string, bool) {
	const needle = `uid="`
	idx := bytes.Index(buf, []byte(needle))
	if idx < 0 {
		return "", false
	}
	rest := buf[idx+len(needle):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return string(rest[:end]), true
}
