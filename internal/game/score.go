package game

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrRoundIndex = errors.New("round index out of range")
	ErrScoreArity = errors.New("score count does not match player count")
)

// Score is one player's points for a round.
// Decoding is lenient: numbers are truncated, numeric strings parsed, anything else is 0.
type Score int

func (s *Score) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	if b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			*s = 0
			return nil
		}
		*s = ParseScore(str)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*s = 0
		return nil
	}
	*s = floatScore(f)
	return nil
}

// floatScore truncates f toward zero, clamped to the int range. NaN and Inf are 0.
func floatScore(f float64) Score {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0
	case f >= math.MaxInt:
		return Score(math.MaxInt)
	case f <= math.MinInt:
		return Score(math.MinInt)
	}
	return Score(int(f))
}

// ParseScore parses keypad input the way the score form does: leading integer, else 0.
func ParseScore(in string) Score {
	in = strings.TrimSpace(in)
	if in == "" {
		return 0
	}
	if n, err := strconv.Atoi(in); err == nil {
		return Score(n)
	}
	if f, err := strconv.ParseFloat(in, 64); err == nil {
		return floatScore(f)
	}
	end := 0
	if end < len(in) && (in[end] == '-' || in[end] == '+') {
		end++
	}
	for end < len(in) && in[end] >= '0' && in[end] <= '9' {
		end++
	}
	if n, err := strconv.Atoi(in[:end]); err == nil {
		return Score(n)
	}
	return 0
}

// Scores converts plain ints.
func Scores(in ...int) []Score {
	out := make([]Score, len(in))
	for i, v := range in {
		out[i] = Score(v)
	}
	return out
}

// RecomputeTotals rebuilds TotalScores from Rounds. Always a full pass.
func RecomputeTotals(r *Record) {
	if r == nil {
		return
	}
	n := len(r.Players)
	for _, round := range r.Rounds {
		if len(round) > n {
			n = len(round)
		}
	}
	if n == 0 {
		n = DefaultPlayerCount
	}
	totals := make([]Score, n)
	for _, round := range r.Rounds {
		for p, v := range round {
			totals[p] += v
		}
	}
	r.TotalScores = totals
}

// AddOrEditRound replaces rounds[*index] when index is set, otherwise prepends a new round.
func AddOrEditRound(r *Record, index *int, scores []Score) error {
	if r == nil {
		return ErrRoundIndex
	}
	if len(scores) != len(r.Players) {
		return ErrScoreArity
	}
	round := append([]Score(nil), scores...)
	if index != nil {
		i := *index
		if i < 0 || i >= len(r.Rounds) {
			return ErrRoundIndex
		}
		r.Rounds[i] = round
	} else {
		r.Rounds = append([][]Score{round}, r.Rounds...)
	}
	RecomputeTotals(r)
	return nil
}

// RoundNumber is the ordinal shown for rounds[index]; newest round has the highest number.
func RoundNumber(r *Record, index int) int {
	return len(r.Rounds) - index
}

// End marks the game finished. Calling it again keeps the first end date.
func End(r *Record, now time.Time) {
	if r == nil {
		return
	}
	if !r.IsEnded || strings.TrimSpace(r.EndDate) == "" {
		r.EndDate = now.UTC().Format(time.RFC3339Nano)
	}
	r.IsEnded = true
	RecomputeTotals(r)
}

// FindWinner returns the index of the highest total; ties go to the lowest index.
func FindWinner(r *Record) int {
	if r == nil || len(r.TotalScores) == 0 {
		return 0
	}
	best := 0
	for i, v := range r.TotalScores {
		if v > r.TotalScores[best] {
			best = i
		}
	}
	return best
}

// WinnerName resolves FindWinner to a display name.
func WinnerName(r *Record) string {
	i := FindWinner(r)
	if r == nil || i >= len(r.Players) {
		return ""
	}
	return r.Players[i]
}
