package rrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

var ErrInvalidTimeOfDay = errors.New("invalid time of day")

// naiveSlack widens window bounds before the absolute re-check so that
// wall-clock instants shifted by a DST transition are not lost.
const naiveSlack = 3 * time.Hour

// TimeOfDay is a local wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}

	vals := make([]int, 3)
	limits := []int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// LocalStart combines a calendar date with a time of day in loc.
func LocalStart(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, tod.Second, 0, loc)
}

// Recurrence is everything needed to expand a schedule except the timezone,
// which belongs to the user and is passed separately on every call.
type Recurrence struct {
	Rule      string
	StartDate time.Time
	TimeOfDay TimeOfDay
	// EndDate is an inclusive local calendar day; nil means unbounded.
	EndDate *time.Time
}

// Engine expands recurrence rules into UTC trigger instants.
//
// The rule library works on naive wall-clock values: every computation is done
// with local clock fields stored in a UTC time.Time, and each result is then
// re-annotated with the user's location before converting to UTC.
type Engine struct {
	// Lookback is how far before a window the rule may be re-anchored.
	// Zero keeps the schedule's own start as the anchor.
	Lookback time.Duration
}

func NewEngine(lookback time.Duration) *Engine {
	return &Engine{Lookback: lookback}
}

// FirstOccurrence returns the earliest occurrence at or after the schedule's
// local start. ok is false when the rule is exhausted.
func (e *Engine) FirstOccurrence(r Recurrence, loc *time.Location) (time.Time, bool, error) {
	if loc == nil {
		return time.Time{}, false, errors.New("timezone is required")
	}
	start := naive(LocalStart(r.StartDate, r.TimeOfDay, loc))

	opt, err := parseOption(r.Rule, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	opt.Dtstart = start

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to build RRULE: %w", err)
	}

	next := rule.After(start, true)
	if next.IsZero() || pastEnd(next, r.EndDate) {
		return time.Time{}, false, nil
	}
	return annotate(next, loc), true, nil
}

// OccurrencesBetween returns the UTC instants in [windowStart, windowEnd],
// ascending and deduplicated.
func (e *Engine) OccurrencesBetween(r Recurrence, loc *time.Location, windowStart, windowEnd time.Time) ([]time.Time, error) {
	if loc == nil {
		return nil, errors.New("timezone is required")
	}
	if windowEnd.Before(windowStart) {
		return nil, nil
	}
	start := naive(LocalStart(r.StartDate, r.TimeOfDay, loc))

	opt, err := parseOption(r.Rule, loc)
	if err != nil {
		return nil, err
	}

	from := naive(windowStart.In(loc)).Add(-naiveSlack)
	to := naive(windowEnd.In(loc)).Add(naiveSlack)

	opt.Dtstart = start
	if e.Lookback > 0 {
		*opt = reanchor(*opt, start, from.Add(-e.Lookback))
	}

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build RRULE: %w", err)
	}

	var out []time.Time
	seen := make(map[int64]struct{})
	for _, occ := range rule.Between(from, to, true) {
		if occ.Before(start) || pastEnd(occ, r.EndDate) {
			continue
		}
		at := annotate(occ, loc)
		if at.Before(windowStart) || at.After(windowEnd) {
			continue
		}
		key := at.UnixNano()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, at)
	}
	return out, nil
}

// Validate reports whether rule parses.
func Validate(rule string) error {
	opt, err := parseOption(rule, time.UTC)
	if err != nil {
		return err
	}
	opt.Dtstart = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := rrule.NewRRule(*opt); err != nil {
		return fmt.Errorf("failed to build RRULE: %w", err)
	}
	return nil
}

// IsRecurring checks if the string looks like a recurrence rule at all.
func IsRecurring(rule string) bool {
	return rule != "" && strings.Contains(strings.ToUpper(rule), "FREQ=")
}

// parseOption accepts a bare rule, an "RRULE:" prefixed rule, or a multi-line
// iCalendar block. DTSTART is ignored since the start comes from the schedule.
// A UTC UNTIL ("...Z") is converted to the user's wall clock, a floating
// UNTIL already is one, and a date-only UNTIL covers that whole local day.
func parseOption(rule string, loc *time.Location) (*rrule.ROption, error) {
	body := ""
	for _, line := range strings.Split(strings.ReplaceAll(rule, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case line == "", strings.HasPrefix(upper, "DTSTART"):
			continue
		case strings.HasPrefix(upper, "RRULE:"):
			body = line[len("RRULE:"):]
		case body == "":
			body = line
		}
	}
	if body == "" {
		return nil, errors.New("empty RRULE")
	}
	if !IsRecurring(body) {
		return nil, fmt.Errorf("RRULE %q has no FREQ", body)
	}

	var kept []string
	until := ""
	for _, part := range strings.Split(body, ";") {
		upper := strings.ToUpper(strings.TrimSpace(part))
		if part == "" || strings.HasPrefix(upper, "DTSTART=") {
			continue
		}
		if strings.HasPrefix(upper, "UNTIL=") {
			until = upper[len("UNTIL="):]
		}
		kept = append(kept, part)
	}

	opt, err := rrule.StrToROption(strings.Join(kept, ";"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE: %w", err)
	}
	if !opt.Until.IsZero() {
		// the library reads every UNTIL form as UTC clock fields
		switch {
		case strings.HasSuffix(until, "Z"):
			opt.Until = naive(opt.Until.In(loc))
		case !strings.Contains(until, "T"):
			opt.Until = opt.Until.Add(24*time.Hour - time.Second)
		}
	}
	return opt, nil
}

// reanchor moves the rule's start forward to earliest when doing so cannot
// change which instants the rule produces. Only rules without INTERVAL>1 and
// without COUNT qualify; the defaults the library derives from the start
// (time of day, weekday, month day) are pinned explicitly first.
func reanchor(opt rrule.ROption, start, earliest time.Time) rrule.ROption {
	if opt.Interval > 1 || opt.Count > 0 || !start.Before(earliest) {
		return opt
	}

	if opt.Freq <= rrule.DAILY {
		if len(opt.Byhour) == 0 {
			opt.Byhour = []int{start.Hour()}
		}
	}
	if opt.Freq <= rrule.HOURLY && len(opt.Byminute) == 0 {
		opt.Byminute = []int{start.Minute()}
	}
	if opt.Freq <= rrule.MINUTELY && len(opt.Bysecond) == 0 {
		opt.Bysecond = []int{start.Second()}
	}

	if len(opt.Byweekno) == 0 && len(opt.Byyearday) == 0 &&
		len(opt.Bymonthday) == 0 && len(opt.Byweekday) == 0 {
		switch opt.Freq {
		case rrule.YEARLY:
			if len(opt.Bymonth) == 0 {
				opt.Bymonth = []int{int(start.Month())}
			}
			opt.Bymonthday = []int{start.Day()}
		case rrule.MONTHLY:
			opt.Bymonthday = []int{start.Day()}
		case rrule.WEEKLY:
			opt.Byweekday = []rrule.Weekday{weekday(start.Weekday())}
		}
	}

	opt.Dtstart = time.Date(earliest.Year(), earliest.Month(), earliest.Day(), 0, 0, 0, 0, time.UTC)
	return opt
}

func weekday(d time.Weekday) rrule.Weekday {
	return []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}[d]
}

// naive keeps t's wall clock and drops its location.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// annotate reads a naive value as wall clock in loc and returns the UTC instant.
func annotate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc).UTC()
}

func pastEnd(naiveOcc time.Time, end *time.Time) bool {
	if end == nil {
		return false
	}
	limit := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return !naiveOcc.Before(limit)
}

// Describe renders a short English summary of rule, e.g.
// "every 2 weeks on Mon, Wed, 3 times". Unparseable rules are returned as is.
func Describe(rule string) string {
	opt, err := parseOption(rule, time.UTC)
	if err != nil {
		return rule
	}

	units := map[rrule.Frequency]string{
		rrule.YEARLY:   "year",
		rrule.MONTHLY:  "month",
		rrule.WEEKLY:   "week",
		rrule.DAILY:    "day",
		rrule.HOURLY:   "hour",
		rrule.MINUTELY: "minute",
		rrule.SECONDLY: "second",
	}

	var b strings.Builder
	unit := units[opt.Freq]
	if opt.Interval > 1 {
		fmt.Fprintf(&b, "every %d %ss", opt.Interval, unit)
	} else {
		b.WriteString("every " + unit)
	}

	if len(opt.Byweekday) > 0 {
		days := make([]string, 0, len(opt.Byweekday))
		for _, d := range opt.Byweekday {
			days = append(days, dayName(d))
		}
		b.WriteString(" on " + strings.Join(days, ", "))
	}
	if len(opt.Bymonthday) > 0 {
		nums := make([]string, 0, len(opt.Bymonthday))
		for _, d := range opt.Bymonthday {
			nums = append(nums, strconv.Itoa(d))
		}
		b.WriteString(" on day " + strings.Join(nums, ", "))
	}

	if opt.Count > 0 {
		fmt.Fprintf(&b, ", %d times", opt.Count)
	}
	if !opt.Until.IsZero() {
		b.WriteString(", until " + opt.Until.Format("2006-01-02"))
	}
	return b.String()
}

func dayName(d rrule.Weekday) string {
	names := map[int]string{0: "Mon", 1: "Tue", 2: "Wed", 3: "Thu", 4: "Fri", 5: "Sat", 6: "Sun"}
	name := names[d.Day()]
	if n := d.N(); n != 0 {
		return fmt.Sprintf("%s(%d)", name, n)
	}
	return name
}
