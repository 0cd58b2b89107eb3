package backfill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const dateLayout = "2006-01-02"

var (
	partitionPattern = regexp.MustCompile(`year=(\d{4})/month=(\d{2})/day=(\d{2})/hour=(\d{2})/`)
	isoDatePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// PartitionItem identifies one hourly storage partition.
type PartitionItem struct {
	Year  string `json:"year"`
	Month string `json:"month"`
	Day   string `json:"day"`
	Hour  string `json:"hour"`
}

// Key returns the canonical "YYYY-MM-DD-HH" key.
func (p PartitionItem) Key() string {
	return fmt.Sprintf("%s-%s-%s-%s", p.Year, p.Month, p.Day, p.Hour)
}

// SortKey returns YYYYMMDDHH as a number.
func (p PartitionItem) SortKey() int64 {
	n, err := strconv.ParseInt(p.Year+p.Month+p.Day+p.Hour, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// PartitionFromObjectKey extracts the partition an object key lives under.
// Keys outside the year=/month=/day=/hour=/ layout report false.
func PartitionFromObjectKey(key string) (PartitionItem, bool) {
	match := partitionPattern.FindStringSubmatch(key)
	if match == nil {
		return PartitionItem{}, false
	}

	return PartitionItem{Year: match[1], Month: match[2], Day: match[3], Hour: match[4]}, true
}

// UniquePartitions drops duplicate keys and sorts ascending by SortKey.
func UniquePartitions(items []PartitionItem) []PartitionItem {
	seen := make(map[string]struct{}, len(items))
	unique := make([]PartitionItem, 0, len(items))
	for _, item := range items {
		key := item.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, item)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].SortKey() < unique[j].SortKey()
	})

	return unique
}

// DateItem identifies one calendar date. It is persisted as a "YYYY-MM-DD" string.
type DateItem struct {
	Year  string
	Month string
	Day   string
}

// ParseDate parses a strict YYYY-MM-DD calendar date.
func ParseDate(value string) (DateItem, error) {
	if !isoDatePattern.MatchString(value) {
		return DateItem{}, fmt.Errorf("%w: %q", ErrInvalidFormat, value)
	}
	if _, err := time.Parse(dateLayout, value); err != nil {
		return DateItem{}, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidFormat, value)
	}

	return DateItem{Year: value[0:4], Month: value[5:7], Day: value[8:10]}, nil
}

// DateFromTime returns the UTC calendar date of t.
func DateFromTime(t time.Time) DateItem {
	d, _ := ParseDate(t.UTC().Format(dateLayout))
	return d
}

// Key returns the canonical "YYYY-MM-DD" key.
func (d DateItem) Key() string {
	return fmt.Sprintf("%s-%s-%s", d.Year, d.Month, d.Day)
}

// Time returns midnight UTC of the date.
func (d DateItem) Time() time.Time {
	t, _ := time.Parse(dateLayout, d.Key())
	return t
}

func (d DateItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Key())
}

func (d *DateItem) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("%w: date must be a string: %w", ErrInvalidFormat, err)
	}

	parsed, err := ParseDate(value)
	if err != nil {
		return err
	}
	*d = parsed

	return nil
}

// EnumerateDates returns every date from start to end inclusive.
func EnumerateDates(start, end DateItem) ([]DateItem, error) {
	from, to := start.Time(), end.Time()
	if from.After(to) {
		return nil, fmt.Errorf("%w (%s > %s)", ErrInvalidRange, start.Key(), end.Key())
	}

	dates := make([]DateItem, 0, int(to.Sub(from).Hours()/24)+1)
	for cursor := from; !cursor.After(to); cursor = cursor.AddDate(0, 0, 1) {
		dates = append(dates, DateFromTime(cursor))
	}

	return dates, nil
}

// UniqueDates drops duplicate dates and sorts them chronologically.
func UniqueDates(items []DateItem) []DateItem {
	seen := make(map[string]struct{}, len(items))
	unique := make([]DateItem, 0, len(items))
	for _, item := range items {
		key := item.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, item)
	}

	// Fixed-width keys sort chronologically as strings
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Key() < unique[j].Key()
	})

	return unique
}

// DefaultEndDate returns today's UTC date minus offsetDays.
func DefaultEndDate(now time.Time, offsetDays int) DateItem {
	today := now.UTC()
	return DateFromTime(time.Date(today.Year(), today.Month(), today.Day()-offsetDays, 0, 0, 0, 0, time.UTC))
}
