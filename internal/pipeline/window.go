package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/jaredapon/integreat-analytics/internal/warehouse"
)

// ErrInvalidDate is returned when the requested run date is not a valid
// YYYY-MM-DD calendar date.
var ErrInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")

const dateLayout = "2006-01-02"

// resolveWindow turns a request date into the calendar-day window to process.
// An empty date means yesterday in the reference location, matching the
// nightly batch that processes the previous day's traffic.
func resolveWindow(date string, now time.Time, loc *time.Location) (warehouse.Window, error) {
	if loc == nil {
		loc = time.UTC
	}
	if date == "" {
		return warehouse.WindowForDate(now.In(loc).AddDate(0, 0, -1)), nil
	}

	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return warehouse.Window{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return warehouse.WindowForDate(d), nil
}
