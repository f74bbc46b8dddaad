package domain

// SettingsKey is the local storage key the chat settings live under
const SettingsKey = "chat_settings"

// Settings bounds
const (
	MinTemperature = 0.0
	MaxTemperature = 1.0
	MinMaxTokens   = 50
	MaxMaxTokens   = 2048
)

// Settings holds user chat preferences
type Settings struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
	StreamMode  bool    `json:"streamMode"`
	Theme       string  `json:"theme"`
}

// DefaultSettings returns the settings used before the user changes anything
func DefaultSettings() Settings {
	return Settings{
		Temperature: 0.5,
		MaxTokens:   512,
		StreamMode:  true,
		Theme:       "light",
	}
}

// Clamp returns a copy with numeric fields forced into their allowed ranges
func (s Settings) Clamp() Settings {
	if s.Temperature < MinTemperature {
		s.Temperature = MinTemperature
	}
	if s.Temperature > MaxTemperature {
		s.Temperature = MaxTemperature
	}
	if s.MaxTokens < MinMaxTokens {
		s.MaxTokens = MinMaxTokens
	}
	if s.MaxTokens > MaxMaxTokens {
		s.MaxTokens = MaxMaxTokens
	}
	if s.Theme == "" {
		s.Theme = "light"
	}
	return s
}
