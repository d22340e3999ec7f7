package dedup

// sampleLimit caps how many skipped rows are kept for diagnostics.
const sampleLimit = 100

// SkippedRow is one retained diagnostic sample.
type SkippedRow struct {
	Index  int    `json:"index"`
	Reason Reason `json:"reason"`
	Name   string `json:"name,omitempty"`
}

// Summary accumulates per-reason skip counts and the first hundred skipped
// rows across the chunks of an upload.
type Summary struct {
	Counts  map[Reason]int `json:"counts"`
	Samples []SkippedRow   `json:"samples"`
}

// NewSummary builds an empty summary.
func NewSummary() *Summary {
	return &Summary{Counts: make(map[Reason]int)}
}

// Add records one skipped row.
func (s *Summary) Add(index int, reason Reason, name string) {
	s.Counts[reason]++
	if len(s.Samples) < sampleLimit {
		s.Samples = append(s.Samples, SkippedRow{Index: index, Reason: reason, Name: name})
	}
}

// Total returns the number of skipped rows across all reasons.
func (s *Summary) Total() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}
