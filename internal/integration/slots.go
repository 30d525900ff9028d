package integration

import (
	"sort"
	"time"
)

// BusinessHours describes the bookable part of a day.
type BusinessHours struct {
	StartHour   int
	EndHour     int
	SlotMinutes int
	// Days restricts the grid to these weekdays. Empty means every day.
	Days []time.Weekday
}

// DefaultBusinessHours is 09:00 to 17:00 in 30 minute slots.
var DefaultBusinessHours = BusinessHours{StartHour: 9, EndHour: 17, SlotMinutes: 30}

// BusinessHoursFromConfig reads business_start_hour, business_end_hour,
// slot_duration and business_days from a connection config. Invalid values
// fall back to the defaults.
func BusinessHoursFromConfig(conn *Connection) BusinessHours {
	bh := DefaultBusinessHours
	start := conn.ConfigInt("business_start_hour", bh.StartHour)
	end := conn.ConfigInt("business_end_hour", bh.EndHour)
	if start >= 0 && end <= 24 && start < end {
		bh.StartHour, bh.EndHour = start, end
	}
	if slot := conn.ConfigInt("slot_duration", bh.SlotMinutes); slot > 0 && slot <= (bh.EndHour-bh.StartHour)*60 {
		bh.SlotMinutes = slot
	}
	if conn != nil {
		if raw, ok := conn.Config["business_days"].([]any); ok {
			for _, d := range raw {
				if f, ok := d.(float64); ok && f >= 0 && f <= 6 {
					bh.Days = append(bh.Days, time.Weekday(int(f)))
				}
			}
		}
	}
	return bh
}

func (bh BusinessHours) open(d time.Weekday) bool {
	if len(bh.Days) == 0 {
		return true
	}
	for _, w := range bh.Days {
		if w == d {
			return true
		}
	}
	return false
}

// Grid returns every business-hours slot that lies fully inside [from, to),
// computed in loc.
func (bh BusinessHours) Grid(from, to time.Time, loc *time.Location) []TimeSlot {
	if loc == nil {
		loc = time.UTC
	}
	if bh.SlotMinutes <= 0 || !from.Before(to) {
		return nil
	}
	step := time.Duration(bh.SlotMinutes) * time.Minute
	f := from.In(loc)
	day := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, loc)

	var slots []TimeSlot
	for ; day.Before(to); day = day.AddDate(0, 0, 1) {
		if !bh.open(day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), bh.StartHour, 0, 0, 0, loc)
		closing := time.Date(day.Year(), day.Month(), day.Day(), bh.EndHour, 0, 0, 0, loc)
		for start := open; !start.Add(step).After(closing); start = start.Add(step) {
			end := start.Add(step)
			if start.Before(from) || end.After(to) {
				continue
			}
			slots = append(slots, TimeSlot{Start: start, End: end})
		}
	}
	return slots
}

// SubtractBusy returns the slots of grid that overlap none of busy.
func SubtractBusy(grid, busy []TimeSlot) []TimeSlot {
	if len(busy) == 0 {
		return grid
	}
	sorted := make([]TimeSlot, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	free := make([]TimeSlot, 0, len(grid))
	for _, s := range grid {
		taken := false
		for _, b := range sorted {
			if !b.Start.Before(s.End) {
				break
			}
			if s.Overlaps(b) {
				taken = true
				break
			}
		}
		if !taken {
			free = append(free, s)
		}
	}
	return free
}

// ClipToBusinessHours drops slots that start or end outside business hours.
func (bh BusinessHours) ClipToBusinessHours(slots []TimeSlot, loc *time.Location) []TimeSlot {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		st, en := s.Start.In(loc), s.End.In(loc)
		if !bh.open(st.Weekday()) {
			continue
		}
		open := time.Date(st.Year(), st.Month(), st.Day(), bh.StartHour, 0, 0, 0, loc)
		closing := time.Date(st.Year(), st.Month(), st.Day(), bh.EndHour, 0, 0, 0, loc)
		if st.Before(open) || en.After(closing) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Location resolves an IANA timezone name, defaulting to UTC.
func Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
