package platform

import "regexp"

// NewTikTok handles canonical video URLs and the vm/vt short links, which the
// extractor expands itself.
func NewTikTok(deps *Deps) Handler {
	return &mediaHandler{
		deps: deps,
		desc: Descriptor{
			ID:           "tiktok",
			DisplayName:  "TikTok",
			Category:     "social",
			Priority:     35,
			URLKinds:     []string{"video", "short_link"},
			RateLimitRPM: 30,
		},
		subdir:       "tiktok",
		cookieDomain: "tiktok.com",
		patterns: []urlPattern{
			{"video", regexp.MustCompile(`^https?://(?:www\.)?tiktok\.com/@(?P<user>[\w.]+)/video/(?P<id>\d+)`)},
			{"short_link", regexp.MustCompile(`^https?://(?:vm|vt)\.tiktok\.com/(?P<code>\w+)`)},
		},
	}
}
