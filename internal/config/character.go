package config

import (
	"fmt"
	"os"
	"strings"
)

// Character describes the persona the agent speaks as.
type Character struct {
	Name   string `json:"name" yaml:"name"`
	NameID string `json:"name_id" yaml:"name_id"`
	Intro  string `json:"intro" yaml:"intro"`
	Lore   string `json:"lore" yaml:"lore"`
	Bio    string `json:"bio" yaml:"bio"`

	Prompts        Prompts                        `json:"prompts" yaml:"prompts"`
	Moods          map[string]map[string]string   `json:"moods" yaml:"moods"`
	PostExamples   map[string]map[string][]string `json:"post_examples" yaml:"post_examples"`
	PostParameters PostParameters                 `json:"post_parameters" yaml:"post_parameters"`
	Platforms      map[string]PlatformSettings    `json:"platform_settings" yaml:"platform_settings"`
	Responding     Responding                     `json:"responding" yaml:"responding"`
	PluginSettings map[string]map[string]any      `json:"plugins_settings" yaml:"plugins_settings"`
}

type Prompts struct {
	YouAre                    string `json:"you_are" yaml:"you_are"`
	CommunicationRequirements string `json:"communication_requirements" yaml:"communication_requirements"`
}

type PostParameters struct {
	LengthRanges []string `json:"length_ranges" yaml:"length_ranges"`
}

type PlatformSettings struct {
	Username string `json:"username" yaml:"username"`
	// PostFrequency is the number of hours between posts.
	PostFrequency float64 `json:"post_frequency" yaml:"post_frequency"`
	// Enabled defaults to true when the platform is listed.
	Enabled *bool `json:"enabled" yaml:"enabled"`
}

// IsEnabled reports whether the character should act on the platform.
func (p PlatformSettings) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type Responding struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	FilteringRules  string `json:"filtering_rules" yaml:"filtering_rules"`
	ResponsesAnHour int    `json:"responses_an_hour" yaml:"responses_an_hour"`
}

var defaultLengthRanges = []string{"1-5", "20-30", "50-100"}

// LoadCharacter reads a character file (JSON or YAML).
func LoadCharacter(path string) (*Character, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open character %s: %w", path, err)
	}
	var c Character
	if err := decode(path, data, &c); err != nil {
		return nil, fmt.Errorf("decode character: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Character) normalize() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("character name is required")
	}
	if c.NameID == "" {
		c.NameID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(c.Name), " ", "_"))
	}
	if len(c.PostParameters.LengthRanges) == 0 {
		c.PostParameters.LengthRanges = append([]string(nil), defaultLengthRanges...)
	}
	if c.Responding.ResponsesAnHour <= 0 {
		c.Responding.ResponsesAnHour = 3
	}
	for name, p := range c.Platforms {
		if p.PostFrequency <= 0 {
			return fmt.Errorf("platform %s: post_frequency must be positive", name)
		}
	}
	return nil
}

// Username returns the character's account name on the platform.
func (c *Character) Username(platform string) string {
	return c.Platforms[platform].Username
}

// PostFrequencyHours returns the posting interval for the platform, or 0 if unset.
func (c *Character) PostFrequencyHours(platform string) float64 {
	return c.Platforms[platform].PostFrequency
}

// Mood returns the configured mood for the platform and time of day.
func (c *Character) Mood(platform, timeOfDay string) string {
	return c.Moods[platform][timeOfDay]
}

// PostExamplesFor returns the configured examples for the platform and time of day.
func (c *Character) PostExamplesFor(platform, timeOfDay string) []string {
	return c.PostExamples[platform][timeOfDay]
}
