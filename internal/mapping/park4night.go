package mapping

import (
	"fmt"
	"strings"

	"github.com/roamdata/migrator/internal/catalog"
)

// Park4Night maps scraped park4night places (campsites, parkings, aires).
type Park4Night struct{}

var _ Mapping = Park4Night{}

func (Park4Night) Source() string     { return "park4night" }
func (Park4Night) Schema() string     { return "park4night" }
func (Park4Night) Kind() catalog.Kind { return catalog.KindLocation }

func (Park4Night) Query() string {
	return `
		SELECT p.id, p.title AS name, p.lat, p.lng AS lon, p.type,
		       p.address, p.city, p.zipcode, p.country, p.country_iso,
		       p.description, p.rating, p.nb_comments AS review_count,
		       p.price, p.services, p.activities, p.photos,
		       p.website, p.phone, p.is_closed
		FROM park4night.places p
		ORDER BY p.id
	`
}

// park4night type codes seen in the scrape, besides the canonical names.
var park4nightTypes = map[string]catalog.LocationType{
	"c":       catalog.TypeCampsite,
	"camping": catalog.TypeCampsite,
	"acc_g":   catalog.TypeCampsite,
	"acc_p":   catalog.TypeCampsite,
	"p":       catalog.TypeParking,
	"pj":      catalog.TypeParking,
	"pn":      catalog.TypeParking,
	"apn":     catalog.TypeParking,
	"ar":      catalog.TypeRestArea,
	"aire":    catalog.TypeRestArea,
	"ass":     catalog.TypeServiceArea,
	"ep":      catalog.TypeServiceArea,
	"ds":      catalog.TypeServiceArea,
	"or":      catalog.TypePOI,
}

func (p Park4Night) ToLocation(row Row) (*catalog.Location, error) {
	id, err := row.requireID("id")
	if err != nil {
		return nil, err
	}
	name := row.String("name")
	if name == "" {
		return nil, &catalog.SkipError{Field: "name"}
	}

	coords, err := row.coordinates("lat", "lon")
	if err != nil {
		return nil, err
	}

	locType := catalog.TypePOI
	if raw := row.String("type"); raw != "" {
		if t, ok := park4nightTypes[strings.ToLower(raw)]; ok {
			locType = t
		} else if locType, err = catalog.ParseLocationType(raw); err != nil {
			return nil, err
		}
	}

	rating, err := row.OptFloat("rating")
	if err != nil {
		return nil, err
	}
	if rating != nil && (*rating < 0 || *rating > 5) {
		return nil, &catalog.ValidationError{Field: "rating", Value: *rating, Reason: "out of range [0,5]"}
	}
	reviews, err := row.OptInt("review_count")
	if err != nil {
		return nil, err
	}
	price, err := park4nightPrice(row)
	if err != nil {
		return nil, err
	}
	raw, err := row.Raw()
	if err != nil {
		return nil, err
	}

	return &catalog.Location{
		ExternalID:  catalog.ExternalID(p.Source(), id),
		Source:      p.Source(),
		Name:        name,
		Type:        locType,
		Coordinates: coords,
		Address: catalog.Address{
			Street:      row.String("address"),
			City:        row.String("city"),
			PostalCode:  row.String("zipcode"),
			Country:     row.String("country"),
			CountryCode: strings.ToUpper(row.String("country_iso")),
		},
		Description: row.String("description"),
		Rating:      rating,
		ReviewCount: reviews,
		Price:       price,
		Amenities:   row.Set("services"),
		Features:    row.Set("activities"),
		Images:      row.Strings("photos"),
		Tags:        []string{strings.ToLower(string(locType))},
		Website:     row.String("website"),
		Phone:       row.String("phone"),
		RawData:     raw,
		IsActive:    !row.Bool("is_closed", false),
	}, nil
}

func (p Park4Night) ToEvent(Row) (*catalog.Event, error) {
	return nil, fmt.Errorf("source %s has no events", p.Source())
}

// park4nightPrice reads the free-text price column ("12.5", "free", "gratuit").
func park4nightPrice(row Row) (catalog.Price, error) {
	switch strings.ToLower(row.String("price")) {
	case "":
		return catalog.Price{}, nil
	case "free", "gratuit", "gratis", "0":
		zero := 0.0
		return catalog.Price{Min: &zero, Max: &zero, Currency: "EUR"}, nil
	}
	amount, err := row.OptFloat("price")
	if err != nil {
		return catalog.Price{}, err
	}
	return catalog.Price{Min: amount, Max: amount, Currency: "EUR"}, nil
}
