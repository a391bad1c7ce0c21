package protocol

import "strings"

// RoomCodeLength is the fixed length of a room code on the wire.
const RoomCodeLength = 6

// NormalizeRoomCode lowercases the input, strips everything that is not a
// lowercase letter or digit, and truncates to RoomCodeLength.
func NormalizeRoomCode(input string) string {
	var b strings.Builder
	b.Grow(RoomCodeLength)
	for _, r := range strings.ToLower(input) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == RoomCodeLength {
				break
			}
		}
	}
	return b.String()
}

// ValidRoomCode reports whether code is already in normalized wire form.
func ValidRoomCode(code string) bool {
	return len(code) == RoomCodeLength && NormalizeRoomCode(code) == code
}

// CanonicalName trims and lowercases a player name. Vote maps, rosters and the
// scoreboard all compare names in canonical form because servers echo names with
// inconsistent casing.
func CanonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// SameName compares two player names canonically.
func SameName(a, b string) bool {
	return CanonicalName(a) == CanonicalName(b)
}

// LookupByName returns the value for the entry whose key matches name
// canonically, and whether one was found.
func LookupByName(m map[string]string, name string) (string, bool) {
	want := CanonicalName(name)
	for k, v := range m {
		if CanonicalName(k) == want {
			return v, true
		}
	}
	return "", false
}
