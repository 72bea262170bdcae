package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

const (
	KiB int64 = 1 << (10 * (iota + 1))
	MiB
	GiB
	TiB
)

// sizeUnits maps upper-cased suffixes to multipliers. KB, MB, ... are
// decimal; K, KiB, M, MiB, ... are binary.
var sizeUnits = map[string]int64{
	"":    1,
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"TB":  1000 * 1000 * 1000 * 1000,
	"K":   KiB,
	"KIB": KiB,
	"M":   MiB,
	"MIB": MiB,
	"G":   GiB,
	"GIB": GiB,
	"T":   TiB,
	"TIB": TiB,
}

// ParseSize parses sizes such as "512", "64KiB", "1.5MB" or "4 M" into bytes
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	number, unit := s, ""
	if split >= 0 {
		number, unit = s[:split], strings.TrimSpace(s[split:])
	}

	mult, ok := sizeUnits[strings.ToUpper(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q in %q", unit, s)
	}
	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	bytes := value * float64(mult)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}

// ParseSizeOr parses s, returning def when s is empty
func ParseSizeOr(s string, def int64) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return ParseSize(s)
}

// FormatSize renders n bytes with a binary unit, e.g. "1.5 MiB"
func FormatSize(n int64) string {
	if n < KiB {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(n) / float64(KiB)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	out := strconv.FormatFloat(value, 'f', 2, 64)
	out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
	return out + " " + units[i]
}
