package settings

import (
	"encoding/json"
	"time"

	"personago/internal/memory"
)

// Settings is the per-character state: section name (a platform or a module
// key such as "plugin:web_search") to arbitrary values. Timestamps are unix
// seconds so the record survives any storage engine untouched.
type Settings map[string]map[string]any

const (
	keyNextPostTime    = "next_post_time"
	keyReplyHour       = "reply_hour"
	keyRepliesInHour   = "replies_in_hour"
	keyDeferred        = "deferred_replies"
	keyNextUseAfter    = "next_use_after"
	maxDeferredReplies = 50
)

// Section returns the named section, creating it when absent.
func (s Settings) Section(name string) map[string]any {
	sec, ok := s[name]
	if !ok || sec == nil {
		sec = map[string]any{}
		s[name] = sec
	}
	return sec
}

// Float reads a numeric value, returning 0 when missing or not numeric.
func (s Settings) Float(section, key string) float64 {
	sec, ok := s[section]
	if !ok {
		return 0
	}
	return toFloat(sec[key])
}

// Set stores value under section.key.
func (s Settings) Set(section, key string, value any) {
	s.Section(section)[key] = value
}

// Time reads a unix-seconds timestamp. Missing values read as the epoch.
func (s Settings) Time(section, key string) time.Time {
	return time.Unix(int64(s.Float(section, key)), 0)
}

// SetTime stores t as unix seconds.
func (s Settings) SetTime(section, key string, t time.Time) {
	s.Set(section, key, t.Unix())
}

// NextPostTime is the earliest time the platform loop may post again.
// A fresh record reads as the epoch, meaning a post is due now.
func (s Settings) NextPostTime(platform string) time.Time {
	return s.Time(platform, keyNextPostTime)
}

func (s Settings) SetNextPostTime(platform string, t time.Time) {
	s.SetTime(platform, keyNextPostTime, t)
}

// HourBucket keys the reply cap by wall-clock hour.
func HourBucket(t time.Time) int64 {
	return t.Unix() / 3600
}

// RepliesThisHour returns the responses already published in the hour containing now.
func (s Settings) RepliesThisHour(platform string, now time.Time) int {
	if int64(s.Float(platform, keyReplyHour)) != HourBucket(now) {
		return 0
	}
	return int(s.Float(platform, keyRepliesInHour))
}

// RecordReply counts one published response in the hour containing now.
func (s Settings) RecordReply(platform string, now time.Time) {
	count := s.RepliesThisHour(platform, now) + 1
	s.Set(platform, keyReplyHour, HourBucket(now))
	s.Set(platform, keyRepliesInHour, count)
}

// DeferredReplies returns ids of replies held back by the hourly cap.
func (s Settings) DeferredReplies(platform string) []string {
	sec, ok := s[platform]
	if !ok {
		return nil
	}
	var out []string
	switch v := sec[keyDeferred].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if id, ok := item.(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

// SetDeferredReplies replaces the deferred list. Ids are kept newest first
// and at most maxDeferredReplies survive.
func (s Settings) SetDeferredReplies(platform string, ids []string) {
	if len(ids) == 0 {
		delete(s.Section(platform), keyDeferred)
		return
	}
	kept := append([]string(nil), ids...)
	memory.SortIDsDesc(kept)
	if len(kept) > maxDeferredReplies {
		kept = kept[:maxDeferredReplies]
	}
	s.Set(platform, keyDeferred, kept)
}

// NextUseAfter is the earliest time a knowledge module may run again.
func (s Settings) NextUseAfter(module string) time.Time {
	return s.Time(module, keyNextUseAfter)
}

func (s Settings) SetNextUseAfter(module string, t time.Time) {
	s.SetTime(module, keyNextUseAfter, t)
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	raw, err := json.Marshal(s)
	if err != nil {
		return Settings{}
	}
	out := Settings{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}
	}
	return out
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
