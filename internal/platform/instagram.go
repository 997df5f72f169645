package platform

import "regexp"

// NewInstagram covers posts, reels, stories, and IGTV. Most content needs a
// logged-in session, so cookie credentials matter more here than elsewhere.
func NewInstagram(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:          "instagram",
			DisplayName: "Instagram",
			Category:    "social",
			Priority:    35,
			Capabilities: Capabilities{
				RequiresCredential: true,
			},
			URLKinds:     []string{"post", "reel", "story", "igtv"},
			RateLimitRPM: 10,
		},
		subdir:       "instagram",
		cookieDomain: "instagram.com",
		patterns: []urlPattern{
			{"post", regexp.MustCompile(`^https?://(?:www\.)?instagram\.com/p/(?P<shortcode>[\w-]+)`)},
			{"reel", regexp.MustCompile(`^https?://(?:www\.)?instagram\.com/reels?/(?P<shortcode>[\w-]+)`)},
			{"story", regexp.MustCompile(`^https?://(?:www\.)?instagram\.com/stories/(?P<user>[\w.]+)/(?P<id>\d+)`)},
			{"igtv", regexp.MustCompile(`^https?://(?:www\.)?instagram\.com/tv/(?P<shortcode>[\w-]+)`)},
		},
	}
}
