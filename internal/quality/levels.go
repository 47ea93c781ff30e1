package quality

// Level is a named rendition on the quality ladder.
type Level struct {
	Name             string
	MinBandwidthKbps int // lowest sustained bandwidth that can play this level
	BitrateKbps      int // encoded bitrate of segments at this level
}

// Ladder lists the supported levels ordered by required bandwidth, highest first.
var Ladder = []Level{
	{Name: "1080p", MinBandwidthKbps: 6000, BitrateKbps: 8000},
	{Name: "720p", MinBandwidthKbps: 3500, BitrateKbps: 4500},
	{Name: "480p", MinBandwidthKbps: 2000, BitrateKbps: 2500},
	{Name: "360p", MinBandwidthKbps: 1000, BitrateKbps: 1500},
	{Name: "240p", MinBandwidthKbps: 500, BitrateKbps: 800},
}

// Lowest is returned when no level fits the available bandwidth.
const Lowest = "240p"

// defaultBitrateKbps is used for names that are not on the ladder.
const defaultBitrateKbps = 1500

// Index returns the ladder position of name, or -1 if name is not a level.
func Index(name string) int {
	for i, l := range Ladder {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// Valid reports whether name is a level on the ladder.
func Valid(name string) bool {
	return Index(name) >= 0
}

// BitrateFor returns the encoded bitrate for a level name.
func BitrateFor(name string) int {
	if i := Index(name); i >= 0 {
		return Ladder[i].BitrateKbps
	}
	return defaultBitrateKbps
}

// Names returns the ladder level names, highest first.
func Names() []string {
	out := make([]string, len(Ladder))
	for i, l := range Ladder {
		out[i] = l.Name
	}
	return out
}
