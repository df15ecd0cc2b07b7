package tracks

import "strings"

// Track describes one of the shipped circuits. Laps is the number of laps a
// race on this track runs by default.
type Track struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Difficulty  string `json:"difficulty"`
	Length      string `json:"length"`
	Laps        int    `json:"laps"`
}

var catalog = []Track{
	{
		ID:          "mountain-circuit",
		Name:        "Mountain Circuit",
		Description: "Epic mountain track with massive elevation changes and technical sections",
		Difficulty:  "Hard",
		Length:      "5.4 km",
		Laps:        3,
	},
	{
		ID:          "desert-speedway",
		Name:        "Desert Speedway",
		Description: "High-speed oval perfect for reaching maximum velocity",
		Difficulty:  "Medium",
		Length:      "4.8 km",
		Laps:        3,
	},
	{
		ID:          "forest-rally",
		Name:        "Forest Rally",
		Description: "Technical forest track with tight corners and elevation changes",
		Difficulty:  "Expert",
		Length:      "3.6 km",
		Laps:        3,
	},
}

// All returns the full catalog in display order.
func All() []Track {
	out := make([]Track, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup resolves a track id, case-insensitively.
func Lookup(id string) (Track, bool) {
	for _, t := range catalog {
		if strings.EqualFold(t.ID, id) {
			return t, true
		}
	}
	return Track{}, false
}
