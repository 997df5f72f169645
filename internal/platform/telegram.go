package platform

import "regexp"

// NewTelegram covers public t.me message and channel links. Private channels
// need an authenticated session the extractor picks up from cookies.
func NewTelegram(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:          "telegram",
			DisplayName: "Telegram",
			Category:    "messaging",
			Priority:    50,
			Capabilities: Capabilities{
				SupportsPlaylists: true,
			},
			URLKinds:     []string{"message", "channel"},
			RateLimitRPM: 30,
		},
		subdir:       "telegram",
		cookieDomain: "t.me",
		patterns: []urlPattern{
			{"message", regexp.MustCompile(`^https?://t\.me/(?P<channel>\w+)/(?P<id>\d+)`)},
			{"channel", regexp.MustCompile(`^https?://t\.me/(?:s/)?(?P<channel>\w+)/?$`)},
		},
		playlistKinds: map[string]bool{"channel": true},
	}
}
