package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "5MB"    = 5 * 1024 * 1024 bytes
//   - "1.5 GB" = 1.5 * 1024^3 bytes
//   - "500KB"  = 500 * 1024 bytes
//   - "5242880" = raw byte count
//
// Implements encoding.TextUnmarshaler for Viper/YAML support and
// json.Unmarshaler for JSON payloads.
type ByteSize int64

var byteSizeRe = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([a-zA-Z]*)$`)

var byteSizeUnits = map[string]float64{
	"":    1,
	"b":   1,
	"kb":  1 << 10,
	"kib": 1 << 10,
	"mb":  1 << 20,
	"mib": 1 << 20,
	"gb":  1 << 30,
	"gib": 1 << 30,
	"tb":  1 << 40,
	"tib": 1 << 40,
	"pb":  1 << 50,
	"pib": 1 << 50,
}

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	m := byteSizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid byte size %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	mult, ok := byteSizeUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("invalid byte size unit %q", m[2])
	}
	return ByteSize(value * mult), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings or numbers.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return b.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid byte size %s", string(data))
	}
	*b = ByteSize(n)
	return nil
}

// Int64 returns the size in bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// Duration extends time.Duration parsing with days, weeks, months and years:
// "3d", "2w", "1mo", "1y", "1w2d12h". Standard Go forms still parse.
type Duration time.Duration

var durationRe = regexp.MustCompile(`^([0-9]*\.?[0-9]+)(ns|us|µs|ms|mo|m|s|h|d|w|y)`)

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond,
	"us": time.Microsecond,
	"µs": time.Microsecond,
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"mo": 30 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParseDuration parses an extended duration string.
func ParseDuration(s string) (Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return Duration(d), nil
	}

	rest := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if rest == "" || rest == "0" {
		return 0, nil
	}

	var total time.Duration
	for rest != "" {
		m := durationRe.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(value * float64(durationUnits[m[2]]))
		rest = rest[len(m[0]):]
	}
	return Duration(total), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the standard Go representation.
func (d Duration) String() string {
	return time.Duration(d).String()
}
