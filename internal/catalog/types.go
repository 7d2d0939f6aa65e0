package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind declares which target records a source row produces.
type Kind string

const (
	KindLocation Kind = "LOCATION"
	KindEvent    Kind = "EVENT"
	KindCombined Kind = "COMBINED"
)

// LocationType is the normalized classification of a Location.
type LocationType string

const (
	TypeCampsite    LocationType = "CAMPSITE"
	TypeParking     LocationType = "PARKING"
	TypeRestArea    LocationType = "REST_AREA"
	TypeServiceArea LocationType = "SERVICE_AREA"
	TypePOI         LocationType = "POI"
	TypeAttraction  LocationType = "ATTRACTION"
	TypeRestaurant  LocationType = "RESTAURANT"
	TypeHotel       LocationType = "HOTEL"
	TypeEventVenue  LocationType = "EVENT_VENUE"
)

var locationTypes = map[LocationType]struct{}{
	TypeCampsite: {}, TypeParking: {}, TypeRestArea: {}, TypeServiceArea: {}, TypePOI: {},
	TypeAttraction: {}, TypeRestaurant: {}, TypeHotel: {}, TypeEventVenue: {},
}

// ParseLocationType accepts any casing of a known type ("campsite", "REST_AREA").
func ParseLocationType(s string) (LocationType, error) {
	t := LocationType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := locationTypes[t]; !ok {
		return "", &ValidationError{Field: "location_type", Value: s, Reason: "unknown location type"}
	}
	return t, nil
}

// Coordinates is a validated WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewCoordinates validates an optional lat/lon pair. Both absent is a skip;
// a half-present or out-of-range pair is a validation failure.
func NewCoordinates(lat, lon *float64) (Coordinates, error) {
	switch {
	case lat == nil && lon == nil:
		return Coordinates{}, &SkipError{Field: "coordinates"}
	case lat == nil:
		return Coordinates{}, &ValidationError{Field: "latitude", Reason: "missing while longitude is set"}
	case lon == nil:
		return Coordinates{}, &ValidationError{Field: "longitude", Reason: "missing while latitude is set"}
	}
	if *lat < -90 || *lat > 90 {
		return Coordinates{}, &ValidationError{Field: "latitude", Value: *lat, Reason: "out of range [-90,90]"}
	}
	if *lon < -180 || *lon > 180 {
		return Coordinates{}, &ValidationError{Field: "longitude", Value: *lon, Reason: "out of range [-180,180]"}
	}
	return Coordinates{Lat: *lat, Lon: *lon}, nil
}

// Address holds the postal fields of a Location.
type Address struct {
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postal_code,omitempty"`
	Region      string `json:"region,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// Price is an optional range in a single currency.
type Price struct {
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Location is a normalized place record keyed by (ExternalID, Source).
type Location struct {
	ID          int64
	ExternalID  string
	Source      string
	Name        string
	Type        LocationType
	Coordinates Coordinates
	Address     Address
	Description string
	Rating      *float64
	ReviewCount *int
	Price       Price
	Amenities   map[string]bool
	Features    map[string]bool
	Images      []string
	Tags        []string
	Website     string
	Phone       string
	RawData     json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Event is a time-bound happening, optionally owned by a Location of the same source.
type Event struct {
	ID          int64
	ExternalID  string
	Source      string
	LocationID  *int64
	Title       string
	Description string
	StartAt     time.Time
	EndAt       *time.Time
	Category    string
	Themes      []string
	Price       Price
	IsFree      bool
	Capacity    *int
	URL         string
	Images      []string
	Tags        []string
	RawData     json.RawMessage
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExternalID builds the stable cross-run natural key for a source record.
func ExternalID(source string, rawID any) string {
	return fmt.Sprintf("%s_%v", source, rawID)
}
