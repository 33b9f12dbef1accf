package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrNoTimezone = errors.New("profile has no timezone")

// Profile holds the per-user settings the reminder pipeline reads.
type Profile struct {
	ID             string    `json:"id"`
	Timezone       *string   `json:"timezone"` // IANA name
	TelegramChatID *int64    `json:"telegram_chat_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Location resolves the profile timezone. A missing timezone is an error,
// never a silent UTC default.
func (p *Profile) Location() (*time.Location, error) {
	if p == nil || p.Timezone == nil || *p.Timezone == "" {
		return nil, ErrNoTimezone
	}
	return LoadLocation(*p.Timezone)
}

// LoadLocation wraps time.LoadLocation with a message that names the zone.
func LoadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// LocalDay returns [start, end) of the calendar day containing day, in loc.
func LocalDay(day time.Time, loc *time.Location) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
