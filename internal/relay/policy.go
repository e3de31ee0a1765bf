package relay

import "strings"

// GuessPolicy decides whether a guess counts as correct for the room's
// current song. Implementations must not block.
type GuessPolicy interface {
	IsCorrect(guess, song string) bool
}

// PolicyFunc adapts a plain function into a GuessPolicy.
type PolicyFunc func(guess, song string) bool

// IsCorrect calls f.
func (f PolicyFunc) IsCorrect(guess, song string) bool { return f(guess, song) }

// SubstringPolicy is the placeholder check: a guess is correct when it
// contains Answer, ignoring case. The chosen song is not consulted.
type SubstringPolicy struct {
	Answer string
}

// IsCorrect implements GuessPolicy.
func (p SubstringPolicy) IsCorrect(guess, _ string) bool {
	if p.Answer == "" {
		return false
	}
	return strings.Contains(strings.ToLower(guess), strings.ToLower(p.Answer))
}

// MatchSongPolicy accepts a guess equal to the chosen song, ignoring case and
// surrounding whitespace. It never matches when no song has been chosen.
type MatchSongPolicy struct{}

// IsCorrect implements GuessPolicy.
func (MatchSongPolicy) IsCorrect(guess, song string) bool {
	song = strings.TrimSpace(song)
	return song != "" && strings.EqualFold(strings.TrimSpace(guess), song)
}
