package session

import "time"

// Hours is a [Start, End) range of UTC hours.
type Hours struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

func (h Hours) contains(hour int) bool {
	return h.Start <= hour && hour < h.End
}

// Window decides when new trades may open.
type Window struct {
	London      Hours `yaml:"london" json:"london"`
	NewYork     Hours `yaml:"new_york" json:"new_york"`
	FridayClose int   `yaml:"friday_close_hour" json:"friday_close_hour"`
}

func DefaultWindow() Window {
	return Window{
		London:      Hours{Start: 7, End: 16},
		NewYork:     Hours{Start: 13, End: 22},
		FridayClose: 20,
	}
}

// MustFlat is true on weekends and after the Friday close hour.
func (w Window) MustFlat(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	case time.Friday:
		return t.Hour() >= w.FridayClose
	default:
		return false
	}
}

// Allowed reports whether a new trade may open at t.
func (w Window) Allowed(t time.Time) bool {
	if w.MustFlat(t) {
		return false
	}
	h := t.UTC().Hour()
	return w.London.contains(h) || w.NewYork.contains(h)
}
