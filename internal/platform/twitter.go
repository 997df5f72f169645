package platform

import "regexp"

// NewTwitter accepts both twitter.com and x.com hosts. Profile URLs run the
// extractor in playlist mode over the account's media.
func NewTwitter(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:          "twitter",
			DisplayName: "Twitter / X",
			Category:    "social",
			Priority:    35,
			Capabilities: Capabilities{
				SupportsPlaylists: true,
			},
			URLKinds:     []string{"tweet", "profile"},
			RateLimitRPM: 15,
		},
		subdir:       "twitter",
		cookieDomain: "x.com",
		patterns: []urlPattern{
			{"tweet", regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/(?P<user>\w+)/status/(?P<id>\d+)`)},
			{"profile", regexp.MustCompile(`^https?://(?:www\.|mobile\.)?(?:twitter|x)\.com/(?P<user>\w{1,15})/?$`)},
		},
		playlistKinds: map[string]bool{"profile": true},
	}
}
