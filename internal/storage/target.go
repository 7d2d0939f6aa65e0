package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/migration"
)

// TargetStore writes locations and events into the consolidated store.
// *pgxpool.Pool satisfies the pool it is built on.
type TargetStore struct {
	pool MigrationPool
}

// NewTargetStore constructs a TargetStore.
func NewTargetStore(pool MigrationPool) *TargetStore {
	return &TargetStore{pool: pool}
}

// Begin opens the outer transaction of a commit batch.
func (s *TargetStore) Begin(ctx context.Context) (migration.TargetTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("beginning target transaction", err)
	}
	return &targetTx{tx: tx}, nil
}

// targetTx wraps a pgx.Tx. Begin on a pgx.Tx creates a savepoint, so the
// same type serves both the outer transaction and each row's savepoint.
type targetTx struct {
	tx pgx.Tx
}

func (t *targetTx) Savepoint(ctx context.Context) (migration.TargetTx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, classify("creating savepoint", err)
	}
	return &targetTx{tx: sp}, nil
}

func (t *targetTx) Commit(ctx context.Context) error {
	return classify("committing", t.tx.Commit(ctx))
}

func (t *targetTx) Rollback(ctx context.Context) error {
	return classify("rolling back", t.tx.Rollback(ctx))
}

const upsertLocationSQL = `
	INSERT INTO locations (
		external_id, source, name, location_type, latitude, longitude,
		street, city, postal_code, region, country, country_code,
		description, rating, review_count, price_min, price_max, currency,
		amenities, features, images, tags, website, phone, raw_data, is_active
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	ON CONFLICT (external_id, source) DO UPDATE
	SET name          = EXCLUDED.name,
	    location_type = EXCLUDED.location_type,
	    latitude      = EXCLUDED.latitude,
	    longitude     = EXCLUDED.longitude,
	    street        = EXCLUDED.street,
	    city          = EXCLUDED.city,
	    postal_code   = EXCLUDED.postal_code,
	    region        = EXCLUDED.region,
	    country       = EXCLUDED.country,
	    country_code  = EXCLUDED.country_code,
	    description   = EXCLUDED.description,
	    rating        = EXCLUDED.rating,
	    review_count  = EXCLUDED.review_count,
	    price_min     = EXCLUDED.price_min,
	    price_max     = EXCLUDED.price_max,
	    currency      = EXCLUDED.currency,
	    amenities     = EXCLUDED.amenities,
	    features      = EXCLUDED.features,
	    images        = EXCLUDED.images,
	    tags          = EXCLUDED.tags,
	    website       = EXCLUDED.website,
	    phone         = EXCLUDED.phone,
	    raw_data      = EXCLUDED.raw_data,
	    is_active     = EXCLUDED.is_active,
	    updated_at    = NOW()
	RETURNING id, (xmax = 0) AS inserted
`

// UpsertLocation inserts or updates a location on (external_id, source).
// id and created_at of an existing row are never touched.
func (t *targetTx) UpsertLocation(ctx context.Context, loc *catalog.Location) (migration.UpsertResult, error) {
	var res migration.UpsertResult
	err := t.tx.QueryRow(ctx, upsertLocationSQL,
		loc.ExternalID,
		loc.Source,
		loc.Name,
		string(loc.Type),
		loc.Coordinates.Lat,
		loc.Coordinates.Lon,
		nullString(loc.Address.Street),
		nullString(loc.Address.City),
		nullString(loc.Address.PostalCode),
		nullString(loc.Address.Region),
		nullString(loc.Address.Country),
		nullString(loc.Address.CountryCode),
		nullString(loc.Description),
		loc.Rating,
		loc.ReviewCount,
		loc.Price.Min,
		loc.Price.Max,
		nullString(loc.Price.Currency),
		flags(loc.Amenities),
		flags(loc.Features),
		texts(loc.Images),
		texts(loc.Tags),
		nullString(loc.Website),
		nullString(loc.Phone),
		rawJSON(loc.RawData),
		loc.IsActive,
	).Scan(&res.ID, &res.Inserted)
	if err != nil {
		return res, classify(fmt.Sprintf("upserting location %s", loc.ExternalID), err)
	}
	return res, nil
}

const upsertEventSQL = `
	INSERT INTO events (
		external_id, source, location_id, title, description, start_at, end_at,
		category, themes, price_min, price_max, currency, is_free, capacity,
		url, images, tags, raw_data, is_active
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	        $15, $16, $17, $18, $19)
	ON CONFLICT (external_id, source) DO UPDATE
	SET location_id = EXCLUDED.location_id,
	    title       = EXCLUDED.title,
	    description = EXCLUDED.description,
	    start_at    = EXCLUDED.start_at,
	    end_at      = EXCLUDED.end_at,
	    category    = EXCLUDED.category,
	    themes      = EXCLUDED.themes,
	    price_min   = EXCLUDED.price_min,
	    price_max   = EXCLUDED.price_max,
	    currency    = EXCLUDED.currency,
	    is_free     = EXCLUDED.is_free,
	    capacity    = EXCLUDED.capacity,
	    url         = EXCLUDED.url,
	    images      = EXCLUDED.images,
	    tags        = EXCLUDED.tags,
	    raw_data    = EXCLUDED.raw_data,
	    is_active   = EXCLUDED.is_active,
	    updated_at  = NOW()
	RETURNING id, (xmax = 0) AS inserted
`

// UpsertEvent inserts or updates an event on (external_id, source).
func (t *targetTx) UpsertEvent(ctx context.Context, ev *catalog.Event) (migration.UpsertResult, error) {
	var res migration.UpsertResult
	err := t.tx.QueryRow(ctx, upsertEventSQL,
		ev.ExternalID,
		ev.Source,
		ev.LocationID,
		ev.Title,
		nullString(ev.Description),
		ev.StartAt,
		ev.EndAt,
		nullString(ev.Category),
		texts(ev.Themes),
		ev.Price.Min,
		ev.Price.Max,
		nullString(ev.Price.Currency),
		ev.IsFree,
		ev.Capacity,
		nullString(ev.URL),
		texts(ev.Images),
		texts(ev.Tags),
		rawJSON(ev.RawData),
		ev.IsActive,
	).Scan(&res.ID, &res.Inserted)
	if err != nil {
		return res, classify(fmt.Sprintf("upserting event %s", ev.ExternalID), err)
	}
	return res, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func flags(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func texts(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
