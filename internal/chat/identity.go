package chat

import (
	"fmt"
	"regexp"
	"strings"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Identity is the display name and color a connection posts under.
type Identity struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// NewIdentity trims name and validates both fields.
func NewIdentity(name, color string) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Identity{}, ErrInvalidName
	}
	if !colorPattern.MatchString(color) {
		return Identity{}, fmt.Errorf("%w: got %q", ErrInvalidColor, color)
	}
	return Identity{Name: name, Color: color}, nil
}
