package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses from strings like "250ms" or plain
// numbers, which are read as milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration accepts Go duration syntax or a bare millisecond count
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return td, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

// SizeMB is a memory amount in megabytes. It parses human-friendly sizes
// ("512MiB", "1.5GB") or plain numbers, which are taken as megabytes.
type SizeMB float64

func (s *SizeMB) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSizeMB(node.Value)
	if err != nil {
		return err
	}
	*s = SizeMB(v)
	return nil
}

func (s SizeMB) MarshalYAML() (interface{}, error) {
	return float64(s), nil
}

func (s SizeMB) Float64() float64 { return float64(s) }

// ParseSizeMB converts a size string to megabytes
func ParseSizeMB(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	b, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %q", raw)
	}
	return float64(b) / (1024 * 1024), nil
}
