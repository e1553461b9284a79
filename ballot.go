package main

// AccusationBallot is a snapshot of one day's accusation votes, one count per
// seat. It is rebuilt from the store at resolution time and never persisted.
type AccusationBallot struct {
	counts map[int]int
}

// NewAccusationBallot builds a ballot from a {seat -> count} snapshot.
// Seats missing from the map count as zero.
func NewAccusationBallot(counts map[int]int) AccusationBallot {
	if counts == nil {
		counts = map[int]int{}
	}
	return AccusationBallot{counts: counts}
}

// Highest returns the maximum vote count across all seats, 0 if nobody voted.
func (b AccusationBallot) Highest() int {
	max := 0
	for _, c := range b.counts {
		if c > max {
			max = c
		}
	}
	return max
}

// IsTie reports whether two or more seats share the highest count.
// An all-zero ballot is not a tie.
func (b AccusationBallot) IsTie() bool {
	max := b.Highest()
	if max == 0 {
		return false
	}
	n := 0
	for _, c := range b.counts {
		if c == max {
			n++
		}
	}
	return n > 1
}

// HasMajority reports whether the top seat holds strictly more than half of
// the living players' votes. Callers must check IsTie first: a tie at the top
// is never resolved as an election even when it clears this threshold.
func (b AccusationBallot) HasMajority(aliveCount int) bool {
	return b.Highest() > aliveCount/2
}

// ElectedSeat returns the lowest seat index holding the highest count,
// or 0 if the ballot is empty.
func (b AccusationBallot) ElectedSeat() int {
	max := b.Highest()
	if max == 0 {
		return 0
	}
	elected := 0
	for seat, c := range b.counts {
		if c == max && (elected == 0 || seat < elected) {
			elected = seat
		}
	}
	return elected
}

// PunishmentBallot is a snapshot of one day's execution agreement counter.
type PunishmentBallot struct {
	agreements int
}

func NewPunishmentBallot(agreements int) PunishmentBallot {
	return PunishmentBallot{agreements: agreements}
}

// HasMajority reports whether at least half of the living players agreed,
// rounding half up. This deliberately differs from AccusationBallot, which
// requires strictly more than half rounding down: accusing someone takes a
// clear majority, confirming an execution only takes an even split.
func (b PunishmentBallot) HasMajority(aliveCount int) bool {
	return b.agreements >= (aliveCount+1)/2
}

// Agreements returns the raw agreement count.
func (b PunishmentBallot) Agreements() int {
	return b.agreements
}
