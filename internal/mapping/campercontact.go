package mapping

import (
	"fmt"
	"strings"

	"github.com/roamdata/migrator/internal/catalog"
)

// CamperContact maps campercontact motorhome sites. Ratings are scraped on
// a 0-10 scale and normalized to 0-5.
type CamperContact struct{}

var _ Mapping = CamperContact{}

func (CamperContact) Source() string     { return "campercontact" }
func (CamperContact) Schema() string     { return "campercontact" }
func (CamperContact) Kind() catalog.Kind { return catalog.KindLocation }

func (CamperContact) Query() string {
	return `
		SELECT s.site_id, s.site_name, s.latitude, s.longitude, s.category,
		       s.street, s.house_number, s.postcode, s.place, s.province,
		       s.country_code, s.rating, s.reviews, s.tariff_min, s.tariff_max,
		       s.currency, s.facilities, s.surroundings, s.images, s.url,
		       s.phone, s.active
		FROM campercontact.sites s
		ORDER BY s.site_id
	`
}

var camperContactTypes = map[string]catalog.LocationType{
	"camperplaats":  catalog.TypeParking,
	"camperpark":    catalog.TypeParking,
	"camping":       catalog.TypeCampsite,
	"aire":          catalog.TypeRestArea,
	"serviceplaats": catalog.TypeServiceArea,
	"service":       catalog.TypeServiceArea,
}

func (c CamperContact) ToLocation(row Row) (*catalog.Location, error) {
	id, err := row.requireID("site_id")
	if err != nil {
		return nil, err
	}
	name := row.String("site_name")
	if name == "" {
		return nil, &catalog.SkipError{Field: "site_name"}
	}

	coords, err := row.coordinates("latitude", "longitude")
	if err != nil {
		return nil, err
	}

	locType := catalog.TypeParking
	if raw := strings.ToLower(row.String("category")); raw != "" {
		t, ok := camperContactTypes[raw]
		if !ok {
			return nil, &catalog.ValidationError{Field: "category", Value: raw, Reason: "unknown campercontact category"}
		}
		locType = t
	}

	rating, err := row.OptFloat("rating")
	if err != nil {
		return nil, err
	}
	if rating != nil {
		if *rating < 0 || *rating > 10 {
			return nil, &catalog.ValidationError{Field: "rating", Value: *rating, Reason: "out of range [0,10]"}
		}
		normalized := *rating / 2
		rating = &normalized
	}
	reviews, err := row.OptInt("reviews")
	if err != nil {
		return nil, err
	}
	minPrice, err := row.OptFloat("tariff_min")
	if err != nil {
		return nil, err
	}
	maxPrice, err := row.OptFloat("tariff_max")
	if err != nil {
		return nil, err
	}
	if minPrice != nil && maxPrice != nil && *maxPrice < *minPrice {
		return nil, &catalog.ValidationError{Field: "tariff_max", Value: *maxPrice, Reason: "below tariff_min"}
	}
	currency := strings.ToUpper(row.String("currency"))
	if currency == "" && (minPrice != nil || maxPrice != nil) {
		currency = "EUR"
	}
	raw, err := row.Raw()
	if err != nil {
		return nil, err
	}

	street := strings.TrimSpace(row.String("street") + " " + row.String("house_number"))

	return &catalog.Location{
		ExternalID:  catalog.ExternalID(c.Source(), id),
		Source:      c.Source(),
		Name:        name,
		Type:        locType,
		Coordinates: coords,
		Address: catalog.Address{
			Street:      street,
			City:        row.String("place"),
			PostalCode:  row.String("postcode"),
			Region:      row.String("province"),
			CountryCode: strings.ToUpper(row.String("country_code")),
		},
		Rating:      rating,
		ReviewCount: reviews,
		Price:       catalog.Price{Min: minPrice, Max: maxPrice, Currency: currency},
		Amenities:   row.Set("facilities"),
		Features:    row.Set("surroundings"),
		Images:      row.Strings("images"),
		Tags:        []string{"motorhome"},
		Website:     row.String("url"),
		Phone:       row.String("phone"),
		RawData:     raw,
		IsActive:    row.Bool("active", true),
	}, nil
}

func (c CamperContact) ToEvent(Row) (*catalog.Event, error) {
	return nil, fmt.Errorf("source %s has no events", c.Source())
}
