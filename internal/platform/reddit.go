package platform

import "regexp"

// NewReddit downloads post media; whole subreddits run in playlist mode.
func NewReddit(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:          "reddit",
			DisplayName: "Reddit",
			Category:    "social",
			Priority:    50,
			Capabilities: Capabilities{
				SupportsPlaylists: true,
			},
			URLKinds:     []string{"post", "subreddit"},
			RateLimitRPM: 30,
		},
		subdir:       "reddit",
		cookieDomain: "reddit.com",
		patterns: []urlPattern{
			{"post", regexp.MustCompile(`^https?://(?:www\.|old\.)?reddit\.com/r/(?P<subreddit>\w+)/comments/(?P<id>\w+)`)},
			{"subreddit", regexp.MustCompile(`^https?://(?:www\.|old\.)?reddit\.com/r/(?P<subreddit>\w+)/?$`)},
		},
		playlistKinds: map[string]bool{"subreddit": true},
	}
}
