package jobrecord

import (
	"time"

	"paywatch/internal/domain"
)

// BeginningLayout is how a record's first fire time is shown to operators.
const BeginningLayout = "Monday Jan 02, 2006 03:04 PM"

// View is the display projection of a JobRecord.
type View struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Cancelled   bool   `json:"cancelled"`
	Beginning   string `json:"beginning"`
	Interval    int64  `json:"interval"`
}

// Describe projects records for display, rendering times in loc.
func Describe(records []domain.JobRecord, loc *time.Location) []View {
	if loc == nil {
		loc = time.UTC
	}
	views := make([]View, 0, len(records))
	for _, r := range records {
		views = append(views, View{
			ID:          string(r.ID),
			Name:        string(r.Name),
			Description: r.Description,
			Cancelled:   r.Cancelled,
			Beginning:   r.FirstFireAt.In(loc).Format(BeginningLayout),
			Interval:    r.IntervalSeconds,
		})
	}
	return views
}
