package emu

import (
	"strings"

	"github.com/mattgale/gbcore/internal/cart"
)

// compatTitleExact maps exact, normalized titles to a preferred palette ID.
// Note: IDs index into cgbCompatSetNames/cgbCompatSets below.
var compatTitleExact = map[string]int{
	"TETRIS":              2, // Blue
	"TETRIS DX":           2,
	"SUPER MARIO LAND":    3, // Red
	"SUPER MARIO LAND 2":  3,
	"DR. MARIO":           4, // Pastel
	"DONKEY KONG":         1, // Sepia
	"THE LEGEND OF ZELDA": 0, // Green
	"ZELDA":               0,
	"METROID II":          3, // Red accent
	"KIRBY'S DREAM LAND":  4, // Pastel/soft
	"MEGA MAN":            2, // Blue
	"MEGAMAN":             2,
	"WARIO LAND":          1, // Sepia
	"POKEMON YELLOW":      4, // Pastel
	"POKEMON RED":         4,
	"POKEMON BLUE":        4,
	"POCKET MONSTERS":     4,
}

// cgbCompatSetNames and cgbCompatSets give each palette ID (as referenced by
// compatTitleExact/compatTitleContains/autoCompatPaletteFromHeader) a name
// and a concrete 4-shade RGBA ramp, lightest to darkest (the Inverted ramp
// runs darkest to lightest). These mirror the
// hand-picked palette families the real CGB boot ROM selects for DMG
// cartridges it recognizes by title/checksum.
var cgbCompatSetNames = []string{"Green", "Sepia", "Blue", "Red", "Pastel", "Inverted"}

var cgbCompatSets = [6][4][4]byte{
	{{0xE0, 0xF8, 0xD0, 0xFF}, {0x88, 0xC0, 0x70, 0xFF}, {0x34, 0x68, 0x56, 0xFF}, {0x08, 0x18, 0x20, 0xFF}}, // Green
	{{0xFF, 0xF3, 0xC8, 0xFF}, {0xE0, 0xB0, 0x70, 0xFF}, {0x90, 0x58, 0x30, 0xFF}, {0x40, 0x20, 0x10, 0xFF}}, // Sepia
	{{0xE0, 0xF0, 0xFF, 0xFF}, {0x90, 0xB8, 0xF0, 0xFF}, {0x38, 0x60, 0xA8, 0xFF}, {0x08, 0x18, 0x40, 0xFF}}, // Blue
	{{0xFF, 0xE8, 0xE0, 0xFF}, {0xF0, 0x90, 0x78, 0xFF}, {0xA0, 0x38, 0x38, 0xFF}, {0x38, 0x08, 0x08, 0xFF}}, // Red
	{{0xFB, 0xF0, 0xFF, 0xFF}, {0xD8, 0xB8, 0xE8, 0xFF}, {0x98, 0x78, 0xB0, 0xFF}, {0x40, 0x30, 0x50, 0xFF}}, // Pastel
	{{0x00, 0x00, 0x00, 0xFF}, {0x55, 0x55, 0x55, 0xFF}, {0xAA, 0xAA, 0xAA, 0xFF}, {0xFF, 0xFF, 0xFF, 0xFF}}, // Inverted
}

type containsRule struct {
	substr string
	id     int
}

// compatTitleContains applies broader substring heuristics for families.
var compatTitleContains = []containsRule{
	{"TETRIS", 2},
	{"MARIO", 3},
	{"ZELDA", 0},
	{"KIRBY", 4},
	{"DONKEY KONG", 1},
	{"METROID", 3},
	{"MEGA MAN", 2},
	{"MEGAMAN", 2},
	{"WARIO", 1},
	{"POKEMON", 4},
	{"POCKET MONSTERS", 4},
}

// autoCompatPaletteFromHeader tries to pick a good default palette using a small title table
// and then a stable fallback based on licensee/checksum. Returns (id, true) on success.
func autoCompatPaletteFromHeader(h *cart.Header) (int, bool) {
	if h == nil {
		return 0, false
	}
	title := strings.TrimSpace(strings.TrimRight(h.Title, "\x00"))
	t := strings.ToUpper(title)
	if id, ok := compatTitleExact[t]; ok {
		return id, true
	}
	for _, r := range compatTitleContains {
		if strings.Contains(t, r.substr) {
			return r.id, true
		}
	}
	// Fallback: for Nintendo-published titles, vary palette by header checksum; others use default.
	nintendo := false
	if h.OldLicensee == 0x33 {
		nintendo = (strings.ToUpper(h.NewLicensee) == "01")
	} else {
		nintendo = (h.OldLicensee == 0x01)
	}
	if nintendo {
		// Use header checksum to pick a stable palette across sessions.
		// Keep it within available set count (len(cgbCompatSetNames)).
		// We mod by 6 to align with our curated set length.
		return int(h.HeaderChecksum) % 6, true
	}
	return 0, true
}
