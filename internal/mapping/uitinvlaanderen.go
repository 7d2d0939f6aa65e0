package mapping

import (
	"strings"

	"github.com/roamdata/migrator/internal/catalog"
)

// UitInVlaanderen maps cultural events. Every row carries both an event and
// the venue it takes place at, so the source is COMBINED: the venue becomes
// an EVENT_VENUE Location and the event references it.
type UitInVlaanderen struct{}

var _ Mapping = UitInVlaanderen{}

func (UitInVlaanderen) Source() string     { return "uitinvlaanderen" }
func (UitInVlaanderen) Schema() string     { return "uitinvlaanderen" }
func (UitInVlaanderen) Kind() catalog.Kind { return catalog.KindCombined }

func (UitInVlaanderen) Query() string {
	return `
		SELECT e.event_id, e.name, e.description, e.start_date, e.end_date,
		       e.category, e.themes, e.price, e.is_free, e.capacity, e.url,
		       e.images, e.labels,
		       v.venue_id, v.name AS venue_name, v.latitude AS venue_lat,
		       v.longitude AS venue_lon, v.street AS venue_street,
		       v.postal_code AS venue_postal_code, v.city AS venue_city,
		       v.country AS venue_country
		FROM uitinvlaanderen.events e
		LEFT JOIN uitinvlaanderen.venues v ON v.venue_id = e.venue_id
		ORDER BY e.event_id
	`
}

var venueColumns = []string{
	"venue_id", "venue_name", "venue_lat", "venue_lon",
	"venue_street", "venue_postal_code", "venue_city", "venue_country",
}

// ToLocation builds the venue. Rows without a venue are skipped, since the
// event cannot be owned by a location.
func (u UitInVlaanderen) ToLocation(row Row) (*catalog.Location, error) {
	venueID, err := row.requireID("venue_id")
	if err != nil {
		return nil, err
	}
	name := row.String("venue_name")
	if name == "" {
		return nil, &catalog.SkipError{Field: "venue_name"}
	}

	coords, err := row.coordinates("venue_lat", "venue_lon")
	if err != nil {
		return nil, err
	}
	raw, err := row.Pick(venueColumns...).Raw()
	if err != nil {
		return nil, err
	}

	return &catalog.Location{
		ExternalID:  catalog.ExternalID(u.Source(), "venue_"+venueID),
		Source:      u.Source(),
		Name:        name,
		Type:        catalog.TypeEventVenue,
		Coordinates: coords,
		Address: catalog.Address{
			Street:      row.String("venue_street"),
			City:        row.String("venue_city"),
			PostalCode:  row.String("venue_postal_code"),
			Country:     row.String("venue_country"),
			CountryCode: "BE",
		},
		Tags:     []string{"venue"},
		RawData:  raw,
		IsActive: true,
	}, nil
}

func (u UitInVlaanderen) ToEvent(row Row) (*catalog.Event, error) {
	id, err := row.requireID("event_id")
	if err != nil {
		return nil, err
	}
	title := row.String("name")
	if title == "" {
		return nil, &catalog.SkipError{Field: "name"}
	}

	start, err := row.OptTime("start_date")
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, &catalog.SkipError{Field: "start_date"}
	}
	end, err := row.OptTime("end_date")
	if err != nil {
		return nil, err
	}
	if end != nil && end.Before(*start) {
		return nil, &catalog.ValidationError{Field: "end_date", Value: *end, Reason: "before start_date"}
	}

	price, err := row.OptFloat("price")
	if err != nil {
		return nil, err
	}
	if price != nil && *price < 0 {
		return nil, &catalog.ValidationError{Field: "price", Value: *price, Reason: "negative"}
	}
	capacity, err := row.OptInt("capacity")
	if err != nil {
		return nil, err
	}
	if capacity != nil && *capacity < 0 {
		return nil, &catalog.ValidationError{Field: "capacity", Value: *capacity, Reason: "negative"}
	}
	isFree := row.Bool("is_free", price != nil && *price == 0)
	currency := ""
	if price != nil {
		currency = "EUR"
	}
	raw, err := row.Raw()
	if err != nil {
		return nil, err
	}

	return &catalog.Event{
		ExternalID:  catalog.ExternalID(u.Source(), id),
		Source:      u.Source(),
		Title:       title,
		Description: row.String("description"),
		StartAt:     *start,
		EndAt:       end,
		Category:    strings.ToLower(row.String("category")),
		Themes:      row.Strings("themes"),
		Price:       catalog.Price{Min: price, Max: price, Currency: currency},
		IsFree:      isFree,
		Capacity:    capacity,
		URL:         row.String("url"),
		Images:      row.Strings("images"),
		Tags:        row.Strings("labels"),
		RawData:     raw,
		IsActive:    true,
	}, nil
}
