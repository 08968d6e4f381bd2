package domain

type Rank string

const (
	RankRecruit  Rank = "RECRUIT"
	RankPrivate  Rank = "PRIVATE"
	RankSergeant Rank = "SERGEANT"
	RankCaptain  Rank = "CAPTAIN"
	RankMajor    Rank = "MAJOR"
)

type rankTier struct {
	min  int
	rank Rank
}

// Ascending; a score equal to a threshold belongs to that tier.
var rankTiers = []rankTier{
	{0, RankRecruit},
	{100, RankPrivate},
	{500, RankSergeant},
	{1000, RankCaptain},
	{2000, RankMajor},
}

// RankFor maps a cumulative score to its rank.
func RankFor(score int) Rank {
	rank := RankRecruit
	for _, t := range rankTiers {
		if score >= t.min {
			rank = t.rank
		}
	}
	return rank
}

// RankThresholds returns the minimum score of every rank, lowest first.
func RankThresholds() map[Rank]int {
	out := make(map[Rank]int, len(rankTiers))
	for _, t := range rankTiers {
		out[t.rank] = t.min
	}
	return out
}
