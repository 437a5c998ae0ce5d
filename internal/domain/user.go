package domain

import (
	"maps"
	"time"
)

// UserProfile is owned by the user store. The dialogue engine references it
// through Session.UserID but never mutates it.
type UserProfile struct {
	ID               string         `json:"user_id"`
	Email            string         `json:"email"`
	Preferences      map[string]any `json:"preferences"`
	InteractionCount int64          `json:"interaction_count"`
	CreatedAt        time.Time      `json:"created_at"`
	LastActive       time.Time      `json:"last_active"`
}

// UserPreferences holds the recognised preference keys and their defaults.
type UserPreferences struct {
	Language            string `json:"language"`
	Theme               string `json:"theme"`
	NotificationEnabled bool   `json:"notification_enabled"`
	ResponseLength      string `json:"response_length"`  // short, medium, long
	TechnicalLevel      string `json:"technical_level"` // beginner, intermediate, advanced
}

// DefaultUserPreferences returns the preferences applied to new profiles.
func DefaultUserPreferences() UserPreferences {
	return UserPreferences{
		Language:            "en",
		Theme:               "light",
		NotificationEnabled: true,
		ResponseLength:      "medium",
		TechnicalLevel:      "intermediate",
	}
}

// Map returns the preferences as a generic map.
func (p UserPreferences) Map() map[string]any {
	return map[string]any{
		"language":             p.Language,
		"theme":                p.Theme,
		"notification_enabled": p.NotificationEnabled,
		"response_length":      p.ResponseLength,
		"technical_level":      p.TechnicalLevel,
	}
}

// NewUserProfile builds a profile with default preferences overlaid by prefs.
func NewUserProfile(id, email string, prefs map[string]any, now time.Time) *UserProfile {
	merged := DefaultUserPreferences().Map()
	maps.Copy(merged, prefs)
	return &UserProfile{
		ID:          id,
		Email:       email,
		Preferences: merged,
		CreatedAt:   now,
		LastActive:  now,
	}
}
