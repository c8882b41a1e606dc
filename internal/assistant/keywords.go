package assistant

import "strings"

// IsImagePrompt reports whether the prompt should be routed to image
// generation instead of chat, based on the configured trigger keywords.
func IsImagePrompt(prompt string, keywords []string) bool {
	p := strings.ToLower(strings.TrimSpace(prompt))
	if p == "" {
		return false
	}
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(p, kw) {
			return true
		}
	}
	return false
}
