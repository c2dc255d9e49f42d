package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"personago/internal/config"
	"personago/internal/models"
	"personago/internal/settings"
)

const defaultReuseAfter = time.Hour

// SettingsSection is where a plugin's bookkeeping lives in CharacterSettings.
func SettingsSection(name string) string {
	return "plugin:" + name
}

// NextUse returns when the plugin may run again after a use at now.
func (c *Configured) NextUse(now time.Time) time.Time {
	if c.Schedule != "" {
		if next, err := gronx.NextTickAfter(c.Schedule, now, false); err == nil {
			return next
		}
	}
	return now.Add(defaultReuseAfter)
}

// Selector picks at most one plugin per post.
type Selector struct {
	plugins  []*Configured
	settings *settings.Store
	log      *slog.Logger
}

func NewSelector(plugins []*Configured, store *settings.Store, log *slog.Logger) *Selector {
	return &Selector{plugins: plugins, settings: store, log: log}
}

// Pick returns the first plugin whose time of day matches now and whose
// next_use_after has passed, or nil.
func (s *Selector) Pick(ctx context.Context, characterID string, now time.Time) (*Configured, error) {
	if s == nil || len(s.plugins) == 0 {
		return nil, nil
	}
	current, err := s.settings.Get(ctx, characterID)
	if err != nil {
		return nil, err
	}
	tod := models.TimeOfDay(now)
	for _, p := range s.plugins {
		if p.TimeOfDay != "" && p.TimeOfDay != tod {
			continue
		}
		if current.NextUseAfter(SettingsSection(p.Name())).After(now) {
			continue
		}
		return p, nil
	}
	return nil, nil
}

// MarkUsed pushes the plugin's next_use_after forward.
func (s *Selector) MarkUsed(ctx context.Context, characterID string, p *Configured, now time.Time) error {
	next := p.NextUse(now)
	_, err := s.settings.Mutate(ctx, characterID, func(st settings.Settings) error {
		st.SetNextUseAfter(SettingsSection(p.Name()), next)
		return nil
	})
	return err
}

// Gather runs the eligible plugin, if any, and records the use. Plugin
// failures are logged and yield no knowledge.
func (s *Selector) Gather(ctx context.Context, character *config.Character, now time.Time) string {
	if s == nil || character == nil {
		return ""
	}
	p, err := s.Pick(ctx, character.NameID, now)
	if err != nil {
		s.log.Warn("pick knowledge plugin failed", "error", err)
		return ""
	}
	if p == nil {
		return ""
	}
	text, err := p.Knowledge(ctx, character)
	if err != nil {
		s.log.Warn("knowledge plugin failed", "plugin", p.Name(), "error", err)
		return ""
	}
	if err := s.MarkUsed(ctx, character.NameID, p, now); err != nil {
		s.log.Warn("record plugin use failed", "plugin", p.Name(), "error", err)
	}
	s.log.Info("knowledge plugin used", "plugin", p.Name(), "next_use_after", p.NextUse(now))
	return text
}
