package client

import (
	"time"
)

// CutoffLayout is the timestamp format the API expects in criteria values.
const CutoffLayout = "2006-01-02T15:04:05-07:00"

// Default date columns of CRM modules.
const (
	DefaultCreatedColumn = "Created_Time"
	DefaultUpdatedColumn = "Modified_Time"
)

// Criteria is a bulk read filter: either a single condition or a group of
// criteria joined by GroupOperator.
type Criteria struct {
	GroupOperator string     `json:"group_operator,omitempty"`
	Group         []Criteria `json:"group,omitempty"`
	APIName       string     `json:"api_name,omitempty"`
	Comparator    string     `json:"comparator,omitempty"`
	Value         any        `json:"value,omitempty"`
}

// DateFilter selects records created or updated at or after Cutoff.
type DateFilter struct {
	Cutoff        time.Time
	CreatedColumn string
	UpdatedColumn string
}

// NewDateFilter builds the incremental filter for the last periodDays days.
// The cutoff is midnight, in loc, of the day periodDays before now.
func NewDateFilter(now time.Time, periodDays int, loc *time.Location, createdColumn, updatedColumn string) DateFilter {
	if loc == nil {
		loc = time.Local
	}
	if createdColumn == "" {
		createdColumn = DefaultCreatedColumn
	}
	if updatedColumn == "" {
		updatedColumn = DefaultUpdatedColumn
	}

	day := now.In(loc).AddDate(0, 0, -periodDays)
	cutoff := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	return DateFilter{
		Cutoff:        cutoff,
		CreatedColumn: createdColumn,
		UpdatedColumn: updatedColumn,
	}
}

// Value returns the formatted cutoff.
func (f DateFilter) Value() string {
	return f.Cutoff.Format(CutoffLayout)
}

// Criteria returns the OR group of the two greater_equal conditions.
func (f DateFilter) Criteria() *Criteria {
	value := f.Value()
	return &Criteria{
		GroupOperator: "or",
		Group: []Criteria{
			{APIName: f.CreatedColumn, Comparator: "greater_equal", Value: value},
			{APIName: f.UpdatedColumn, Comparator: "greater_equal", Value: value},
		},
	}
}
