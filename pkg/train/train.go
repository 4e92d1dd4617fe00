// Package train contains the core domain types for the seat availability notifier.
package train

import (
	"net/url"
	"strings"
)

// UnknownDate is used when a target URL does not follow the search path layout.
const UnknownDate = "unknown"

// SeatClass is one seat class listed on a train details page.
type SeatClass struct {
	Type   string `json:"type"`   // Seat class label, always from the allow-list
	Wagons string `json:"wagons"` // Wagon list as shown by the site, e.g. "5,6"
	Seats  string `json:"seats"`  // Availability text, e.g. "12 нижних"
}

// Result is the ordered list of seat classes found for one target.
type Result []SeatClass

// Target is a single train details URL.
type Target struct {
	URL         string
	Date        string
	TrainNumber string
}

// ParseTarget splits a details URL of the form .../search/<route>/<date>/<train>/ into
// date and train number. URLs that don't match fall back to ("unknown", url).
func ParseTarget(rawURL string) Target {
	t := Target{URL: rawURL, Date: UnknownDate, TrainNumber: rawURL}

	u, err := url.Parse(rawURL)
	if err != nil {
		return t
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "search" {
		t.Date = parts[2]
		t.TrainNumber = parts[3]
	}
	return t
}

// Train is one train entry inside a date group.
type Train struct {
	Number  string
	Classes Result
}

// Day groups the trains checked for a single date.
type Day struct {
	Date   string
	Trains []*Train
}

// Aggregate collects results for one run, keyed by date and then train number.
// Iteration follows first-insertion order so output is stable across runs.
type Aggregate struct {
	days  []*Day
	index map[string]int
}

// NewAggregate creates an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{index: make(map[string]int)}
}

// Add records the result for a target. Adding the same date and train twice
// replaces the earlier result without changing its position.
func (a *Aggregate) Add(date, number string, classes Result) {
	if classes == nil {
		classes = Result{}
	}

	i, ok := a.index[date]
	if !ok {
		i = len(a.days)
		a.index[date] = i
		a.days = append(a.days, &Day{Date: date})
	}

	day := a.days[i]
	for _, t := range day.Trains {
		if t.Number == number {
			t.Classes = classes
			return
		}
	}
	day.Trains = append(day.Trains, &Train{Number: number, Classes: classes})
}

// AddTarget records the result for a parsed target.
func (a *Aggregate) AddTarget(t Target, classes Result) {
	a.Add(t.Date, t.TrainNumber, classes)
}

// Days returns the date groups in insertion order.
func (a *Aggregate) Days() []*Day {
	return a.days
}

// Lookup returns the result stored for a date and train.
func (a *Aggregate) Lookup(date, number string) (Result, bool) {
	i, ok := a.index[date]
	if !ok {
		return nil, false
	}
	for _, t := range a.days[i].Trains {
		if t.Number == number {
			return t.Classes, true
		}
	}
	return nil, false
}

// Total returns the number of seat classes across all dates and trains.
func (a *Aggregate) Total() int {
	total := 0
	for _, d := range a.days {
		for _, t := range d.Trains {
			total += len(t.Classes)
		}
	}
	return total
}
