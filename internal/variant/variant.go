// Package variant describes the coaching variants and their presentation rules.
package variant

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var builtinProfiles []byte

// ErrUnknownVariant is returned when a profile name is not in the catalog.
var ErrUnknownVariant = errors.New("unknown variant")

// Profile is one coaching variant
type Profile struct {
	Name              string `yaml:"name"`
	Title             string `yaml:"title"`
	SystemPrompt      string `yaml:"system_prompt"`
	Greeting          string `yaml:"greeting"`
	GreetingInHistory bool   `yaml:"greeting_in_history"`
	// FirstMessageSuffix is appended to the first user message sent to the
	// assistant; the message is displayed without it.
	FirstMessageSuffix string `yaml:"first_message_suffix"`
	MaxBubbles         int    `yaml:"max_bubbles"`
	MaxChars           int    `yaml:"max_chars"`
	Voice              bool   `yaml:"voice"`
	Exercises          bool   `yaml:"exercises"`
}

// Catalog is the set of known profiles
type Catalog struct {
	Default  string    `yaml:"default"`
	Profiles []Profile `yaml:"profiles"`
}

// Builtin returns the embedded catalog
func Builtin() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(builtinProfiles, &c); err != nil {
		return nil, fmt.Errorf("failed to parse builtin profiles: %w", err)
	}
	return &c, nil
}

// Load returns the builtin catalog with profiles from path merged over it.
// An empty path returns the builtin catalog.
func Load(path string) (*Catalog, error) {
	c, err := Builtin()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	var override Catalog
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file %s: %w", path, err)
	}
	c.merge(override)
	return c, nil
}

func (c *Catalog) merge(o Catalog) {
	if o.Default != "" {
		c.Default = o.Default
	}
	for _, p := range o.Profiles {
		replaced := false
		for i := range c.Profiles {
			if c.Profiles[i].Name == p.Name {
				c.Profiles[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			c.Profiles = append(c.Profiles, p)
		}
	}
}

// Get returns the named profile; an empty name selects the default.
func (c *Catalog) Get(name string) (Profile, error) {
	if name == "" {
		name = c.Default
	}
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
}

// Names lists the profile names in catalog order
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		names = append(names, p.Name)
	}
	return names
}

// OutgoingText returns the text sent to the assistant for a user message.
func (p Profile) OutgoingText(text string, first bool) string {
	if first && p.FirstMessageSuffix != "" {
		return text + p.FirstMessageSuffix
	}
	return text
}

// Bubbles splits an assistant reply for display, shortening replies longer
// than MaxChars first.
func (p Profile) Bubbles(text string) []string {
	max := p.MaxBubbles
	if max <= 0 {
		max = 1
	}
	return SplitBubbles(Truncate(text, p.MaxChars), max)
}
