package songlang

import (
	"fmt"
	"strconv"
	"strings"
)

var pitchClasses = map[byte]int{
	'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11,
}

// ParsePitch resolves a pitch literal such as "d3", "fs4", "cs5", "bb2" or
// "c-1" to a MIDI note number. c4 is 60.
func ParsePitch(s string) (uint8, error) {
	lower := strings.ToLower(s)
	if lower == "" {
		return 0, fmt.Errorf("empty pitch")
	}
	class, ok := pitchClasses[lower[0]]
	if !ok {
		return 0, fmt.Errorf("malformed pitch %q: note letter must be a-g", s)
	}

	rest := lower[1:]
	if rest != "" {
		switch rest[0] {
		case 's', '#':
			class++
			rest = rest[1:]
		case 'f', 'b':
			class--
			rest = rest[1:]
		}
	}
	if rest == "" {
		return 0, fmt.Errorf("malformed pitch %q: missing octave", s)
	}

	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("malformed pitch %q: bad octave %q", s, rest)
	}
	if octave < -1 || octave > 9 {
		return 0, fmt.Errorf("malformed pitch %q: octave must be -1 to 9", s)
	}

	n := (octave+1)*12 + class
	if n < 0 || n > 127 {
		return 0, fmt.Errorf("pitch %q is outside the MIDI range", s)
	}
	return uint8(n), nil
}

// defaultPlayVelocity is the velocity of a PLAY line without VEL
const defaultPlayVelocity = 90

// chordIntervals are the semitone offsets above the root per chord suffix
var chordIntervals = map[string][]int{
	"":   {0},
	"5":  {0, 7},
	"M":  {0, 4, 7},
	"m":  {0, 3, 7},
	"M7": {0, 4, 7, 11},
	"m7": {0, 3, 7, 10},
}

// ParseChord resolves a chord literal, a pitch followed by an optional
// suffix (M, m, 5, M7 or m7), to its MIDI notes from the root up. The
// octave is a single digit or -1, so "c45" is a fifth on c4.
func ParseChord(s string) ([]uint8, error) {
	i := 1
	if len(s) > i && strings.ContainsRune("sS#fFbB", rune(s[i])) {
		i++
	}
	if len(s) > i && s[i] == '-' {
		i++
	}
	if len(s) > i && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if len(s) < i {
		i = len(s)
	}

	root, err := ParsePitch(s[:i])
	if err != nil {
		return nil, err
	}
	intervals, ok := chordIntervals[s[i:]]
	if !ok {
		return nil, fmt.Errorf("unknown chord %q in %q, want M, m, 5, M7 or m7", s[i:], s)
	}

	notes := make([]uint8, len(intervals))
	for j, iv := range intervals {
		n := int(root) + iv
		if n > 127 {
			return nil, fmt.Errorf("chord %q goes above the MIDI range", s)
		}
		notes[j] = uint8(n)
	}
	return notes, nil
}
