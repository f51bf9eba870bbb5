package analytics

import "time"

// Symptoms are the keywords counted in appointment reasons.
var Symptoms = []string{"fever", "cough", "pain", "headache", "fatigue", "nausea"}

// WindowDays is the length of the recent-activity window, today included.
const WindowDays = 7

type Insights struct {
	Overview     Overview     `json:"overview"`
	Demographics Demographics `json:"demographics"`
	Operational  Operational  `json:"operational"`
	Clinical     Clinical     `json:"clinical"`
}

type Overview struct {
	TotalPatients  int64 `json:"total_patients"`
	Appointments7d int64 `json:"appointments_7d"`
}

type Demographics struct {
	Age    AgeBuckets    `json:"age"`
	Gender []GenderCount `json:"gender"`
}

// AgeBuckets partitions patients with a recorded age. Bounds are inclusive
// at the top: 18 falls in 0-18, 65 in 51-65.
type AgeBuckets struct {
	UpTo18 int64 `json:"0-18"`
	From19 int64 `json:"19-35"`
	From36 int64 `json:"36-50"`
	From51 int64 `json:"51-65"`
	Over65 int64 `json:"65+"`
}

func (a AgeBuckets) Total() int64 {
	return a.UpTo18 + a.From19 + a.From36 + a.From51 + a.Over65
}

type GenderCount struct {
	Gender *string `json:"gender"`
	Count  int64   `json:"count"`
}

type Operational struct {
	StatusBreakdown []StatusCount `json:"status_breakdown"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type Clinical struct {
	TopSymptoms map[string]int64 `json:"top_symptoms"`
}

// Window is a half-open range of scheduled times.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowEnding returns the WindowDays calendar days (UTC) ending on the day
// of now.
func WindowEnding(now time.Time) Window {
	y, m, d := now.UTC().Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return Window{From: end.AddDate(0, 0, -WindowDays), To: end}
}

// WindowStats is the appointment activity inside a Window.
type WindowStats struct {
	Total    int64
	Statuses []StatusCount
	Symptoms map[string]int64
}
