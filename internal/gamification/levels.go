package gamification

import "fmt"

// Level is one rung of the provider ladder. A provider holds a level only
// when every requirement is met; earnings are kobo.
type Level struct {
	Name     string   `json:"name"`
	XP       int64    `json:"xp"`
	Earnings int64    `json:"earnings"`
	Jobs     int64    `json:"jobs"`
	Rating   float64  `json:"rating"`
	Perks    []string `json:"perks,omitempty"`
}

// levels in ascending order. Thresholds follow the product ladder, with
// earnings converted from naira to kobo.
var levels = []Level{
	{Name: "Starter", Perks: []string{"Basic Profile"}},
	{Name: "Bronze", XP: 500, Earnings: 5_000_000, Jobs: 5, Rating: 4.0,
		Perks: []string{"Search Boost (Low)", "Verified Badge"}},
	{Name: "Silver", XP: 1500, Earnings: 15_000_000, Jobs: 15, Rating: 4.2,
		Perks: []string{"Search Boost (Med)", "Lower Fees (1%)"}},
	{Name: "Gold", XP: 3500, Earnings: 50_000_000, Jobs: 30, Rating: 4.5,
		Perks: []string{"Search Boost (High)", "Lower Fees (2%)", "Priority Support"}},
	{Name: "Platinum", XP: 7000, Earnings: 150_000_000, Jobs: 75, Rating: 4.7,
		Perks: []string{"Featured Profile", "Lower Fees (3%)", "Dedicated Agent"}},
	{Name: "Elite", XP: 15000, Earnings: 500_000_000, Jobs: 150, Rating: 4.8,
		Perks: []string{"Homepage Feature", "Zero Withdrawal Fees", "Enterprise Access"}},
	{Name: "Grandmaster", XP: 30000, Earnings: 1_000_000_000, Jobs: 300, Rating: 4.9,
		Perks: []string{"Global Visibility", "Partner Status", "Equity Options"}},
}

func (l Level) met(s *Score) bool {
	return s.XP >= l.XP &&
		s.TotalEarnings >= l.Earnings &&
		s.LifetimeJobs >= l.Jobs &&
		s.Rating() >= l.Rating
}

// levelFor returns the highest level whose requirements the score meets.
func levelFor(s *Score) Level {
	for i := len(levels) - 1; i > 0; i-- {
		if levels[i].met(s) {
			return levels[i]
		}
	}
	return levels[0]
}

// LevelInfo is the full standing returned by GetLevel.
type LevelInfo struct {
	ProviderID    string   `json:"providerId"`
	Level         Level    `json:"level"`
	XP            int64    `json:"xp"`
	TotalEarnings int64    `json:"totalEarnings"`
	LifetimeJobs  int64    `json:"lifetimeJobs"`
	Rating        float64  `json:"rating"`
	NextLevel     *Level   `json:"nextLevel,omitempty"`
	Bottleneck    string   `json:"bottleneck,omitempty"`
	Progress      float64  `json:"progress"`
	Badges        []string `json:"badges,omitempty"`
}

func levelInfoFor(s *Score) *LevelInfo {
	current := levelFor(s)
	info := &LevelInfo{
		ProviderID:    s.ProviderID,
		Level:         current,
		XP:            s.XP,
		TotalEarnings: s.TotalEarnings,
		LifetimeJobs:  s.LifetimeJobs,
		Rating:        s.Rating(),
		Progress:      100,
		Badges:        badgesFor(s),
	}

	idx := 0
	for i := range levels {
		if levels[i].Name == current.Name {
			idx = i
			break
		}
	}
	if idx == len(levels)-1 {
		return info
	}

	next := levels[idx+1]
	info.NextLevel = &next
	info.Progress = progressTo(s, next)
	info.Bottleneck = bottleneckFor(s, next)
	return info
}

// progressTo averages the xp, earnings, and jobs completion toward the next
// level. Rating is a hard gate, not a progress dimension.
func progressTo(s *Score, next Level) float64 {
	frac := func(have, need int64) float64 {
		if need <= 0 {
			return 100
		}
		p := float64(have) / float64(need) * 100
		if p > 100 {
			p = 100
		}
		return p
	}
	return (frac(s.XP, next.XP) + frac(s.TotalEarnings, next.Earnings) + frac(s.LifetimeJobs, next.Jobs)) / 3
}

func bottleneckFor(s *Score, next Level) string {
	switch {
	case s.TotalEarnings < next.Earnings:
		return fmt.Sprintf("Need ₦%d more earnings", (next.Earnings-s.TotalEarnings)/100)
	case s.XP < next.XP:
		return fmt.Sprintf("Need %d more XP", next.XP-s.XP)
	case s.LifetimeJobs < next.Jobs:
		return fmt.Sprintf("Need %d more jobs", next.Jobs-s.LifetimeJobs)
	case s.Rating() < next.Rating:
		return fmt.Sprintf("Need rating of %.1f", next.Rating)
	}
	return ""
}

// badgesFor derives display badges from the score. Earnings cutoffs are kobo.
func badgesFor(s *Score) []string {
	var badges []string
	if s.TotalEarnings > 100_000_000 {
		badges = append(badges, "High Earner")
	}
	if s.TotalEarnings > 500_000_000 {
		badges = append(badges, "Premium")
	}
	if s.Rating() >= 4.8 && s.LifetimeJobs > 10 {
		badges = append(badges, "Top Rated")
	}
	if s.LifetimeJobs > 50 {
		badges = append(badges, "High Performer")
	}
	return badges
}
