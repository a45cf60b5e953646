// Package cot implements the canonical CoT (Cursor-on-Target) event model and
// the three wire codecs (XML, Mesh, Stream) that carry it, per spec §3/§4.2/§6.
package cot

import (
	"fmt"
	"strings"
	"time"
)

// unknownErrorValue is the sentinel CE/LE value meaning "unknown", per §3.
const unknownErrorValue = 9999999.0

// Format identifies which of the three wire representations a buffer is in.
type Format int

const (
	FormatUnknown Format = iota
	FormatXML
	FormatMesh
	FormatStream
)

func (f Format) String() string {
	switch f {
	case FormatXML:
		return "Xml"
	case FormatMesh:
		return "Mesh"
	case FormatStream:
		return "Stream"
	default:
		return "Unknown"
	}
}

// Affiliation is the MIL-STD-2525 friend/hostile/neutral classification
// encoded in the second hyphen-separated token of a CoT type string.
type Affiliation byte

const (
	AffiliationUnknown Affiliation = iota
	AffiliationFriend
	AffiliationHostile
	AffiliationNeutral
	AffiliationPending
	AffiliationAssumedFriend
	AffiliationSuspect
	AffiliationJoker
	AffiliationFaker
)

var affiliationTokens = map[byte]Affiliation{
	'f': AffiliationFriend,
	'h': AffiliationHostile,
	'n': AffiliationNeutral,
	'u': AffiliationUnknown,
	'p': AffiliationPending,
	'a': AffiliationAssumedFriend,
	's': AffiliationSuspect,
	'j': AffiliationJoker,
	'k': AffiliationFaker,
}

// Dimension is the MIL-STD-2525 domain (air/ground/sea/...) encoded in the
// third token of a CoT type string.
type Dimension byte

const (
	DimensionUnknown Dimension = iota
	DimensionAir
	DimensionGround
	DimensionSeaSurface
	DimensionSeaSubsurface
	DimensionSpace
	DimensionSOF
	DimensionOther
)

var dimensionTokens = map[byte]Dimension{
	'A': DimensionAir,
	'G': DimensionGround,
	'S': DimensionSeaSurface,
	'U': DimensionSeaSubsurface,
	'P': DimensionSpace,
	'F': DimensionSOF,
	'X': DimensionOther,
}

// ParseAffiliation extracts the affiliation token (second hyphen-separated
// segment) from a CoT type string such as "a-f-G-U-C". Returns
// AffiliationUnknown if the type is too short or the token is unrecognised.
func ParseAffiliation(typ string) Affiliation {
	parts := strings.Split(typ, "-")
	if len(parts) < 2 || len(parts[1]) == 0 {
		return AffiliationUnknown
	}
	if a, ok := affiliationTokens[parts[1][0]]; ok {
		return a
	}
	return AffiliationUnknown
}

// ParseDimension extracts the dimension token (third hyphen-separated
// segment) from a CoT type string. Returns DimensionUnknown if absent or
// unrecognised.
func ParseDimension(typ string) Dimension {
	parts := strings.Split(typ, "-")
	if len(parts) < 3 || len(parts[2]) == 0 {
		return DimensionUnknown
	}
	if d, ok := dimensionTokens[parts[2][0]]; ok {
		return d
	}
	return DimensionUnknown
}

// Point is the geospatial component of an Event. CE (circular error) and LE
// (linear error) default to the sentinel 9999999.0 when unknown; HAE
// defaults to 0.0.
type Point struct {
	Lat float64
	Lon float64
	Hae float64
	CE  float64
	LE  float64
}

// Contact carries the callsign/endpoint identity of the reporting unit.
type Contact struct {
	Callsign string
	Endpoint string
}

// Group carries team name and role.
type Group struct {
	Name string
	Role string
}

// Track carries heading/speed.
type Track struct {
	Speed  float64
	Course float64
}

// Status carries battery level.
type Status struct {
	Battery int32
}

// Takv identifies the originating client software.
type Takv struct {
	Device   string
	Platform string
	OS       string
	Version  string
}

// PrecisionLocation carries the source of the geolocation fix.
type PrecisionLocation struct {
	GeoPointSrc string
	AltSrc      string
}

// Detail is optional and sparse: zero or one of each typed sub-struct, plus
// an opaque residual for unrecognised XML children (§3).
type Detail struct {
	Contact           *Contact
	Group             *Group
	Track             *Track
	Status            *Status
	Takv              *Takv
	PrecisionLocation *PrecisionLocation
	// XMLDetail holds whitespace-joined unrecognised <detail> children,
	// verbatim, for XML payloads; mirrors the Mesh/Stream envelope's
	// xmlDetail residual field (§6).
	XMLDetail string
}

func (d *Detail) empty() bool {
	return d == nil || (d.Contact == nil && d.Group == nil && d.Track == nil &&
		d.Status == nil && d.Takv == nil && d.PrecisionLocation == nil && d.XMLDetail == "")
}

// Event is the canonical, format-independent CoT message (§3).
type Event struct {
	Version string
	UID     string
	Type    string
	Time    time.Time
	Start   time.Time
	Stale   time.Time
	How     string
	Point   Point
	Detail  *Detail
}

// Affiliation returns the affiliation encoded in Type.
func (e Event) Affiliation() Affiliation { return ParseAffiliation(e.Type) }

// Dimension returns the dimension encoded in Type.
func (e Event) Dimension() Dimension { return ParseDimension(e.Type) }

// WellFormed reports whether time <= start <= stale, the ordering invariant
// from §3. The parser does not enforce this; callers that need it (tests,
// FilterEngine diagnostics) call this explicitly.
func (e Event) WellFormed() error {
	if e.Time.After(e.Start) {
		return fmt.Errorf("cot: time %s is after start %s", e.Time, e.Start)
	}
	if e.Start.After(e.Stale) {
		return fmt.Errorf("cot: start %s is after stale %s", e.Start, e.Stale)
	}
	return nil
}

// ValidGeo reports whether the point's lat/lon lie within the valid
// geographic range; used for the Parse.InvalidCoT drop path (§7).
func (p Point) ValidGeo() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}
