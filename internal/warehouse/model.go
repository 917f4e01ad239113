package warehouse

import "time"

// FactRow is one row of the fact table: dimension references plus all
// non-dimensional attributes of the raw transaction. Nullable source columns
// stay pointers.
type FactRow struct {
	LogID      int64
	TimeID     int64
	LocationID int64
	UserID     int64
	ServiceID  int64
	CreatedAt  time.Time

	RequestMethod      *string
	RequestURL         *string
	RequestHeaders     *string
	RequestBody        *string
	ResponseStatusCode *int
	ResponseBody       *string
	ExecutionTimeMS    *int
	ErrorMessage       *string
}

// MartRow is one fully denormalized row of a tenant mart: the fact joined
// back out to the descriptive attributes of all four dimensions. Request
// headers are deliberately absent from marts.
type MartRow struct {
	LogID     int64
	CreatedAt time.Time

	Hour  int
	Day   int
	Month int
	Year  int

	Country   string
	Region    string
	City      string
	ZipCode   string
	Latitude  float64
	Longitude float64

	Role   string
	Origin string

	Destination string
	APIVersion  string
	ServiceType string

	RequestMethod      *string
	RequestURL         *string
	RequestBody        *string
	ResponseStatusCode *int
	ResponseBody       *string
	ExecutionTimeMS    *int
	ErrorMessage       *string
}
