package platform

import "regexp"

// NewYouTube recognizes watch/short/live/playlist/channel URLs and delegates
// to the extractor. Quality presets map onto extractor format expressions in
// internal/extractor.
func NewYouTube(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:          "youtube",
			DisplayName: "YouTube",
			Category:    "video",
			Priority:    30,
			Capabilities: Capabilities{
				SupportsQuality:   true,
				SupportsSubtitles: true,
				SupportsPlaylists: true,
				SupportsChannels:  true,
			},
			URLKinds:     []string{"video", "short", "live", "playlist", "channel"},
			RateLimitRPM: 30,
		},
		subdir:       "youtube",
		cookieDomain: "youtube.com",
		patterns: []urlPattern{
			{"video", regexp.MustCompile(`^https?://(?:www\.|m\.|music\.)?(?:youtube\.com/watch\?(?:[^#]*&)?v=|youtu\.be/)(?P<id>[A-Za-z0-9_-]{11})`)},
			{"short", regexp.MustCompile(`^https?://(?:www\.|m\.)?youtube\.com/shorts/(?P<id>[A-Za-z0-9_-]{11})`)},
			{"live", regexp.MustCompile(`^https?://(?:www\.|m\.)?youtube\.com/live/(?P<id>[A-Za-z0-9_-]{11})`)},
			{"playlist", regexp.MustCompile(`^https?://(?:www\.|m\.|music\.)?youtube\.com/playlist\?(?:[^#]*&)?list=(?P<id>[A-Za-z0-9_-]+)`)},
			{"channel", regexp.MustCompile(`^https?://(?:www\.|m\.)?youtube\.com/(?:channel/(?P<id>UC[A-Za-z0-9_-]+)|c/(?P<name>[\w.-]+)|user/(?P<user>[\w.-]+)|@(?P<handle>[\w.-]+))`)},
		},
		playlistKinds: map[string]bool{"playlist": true, "channel": true},
	}
}
