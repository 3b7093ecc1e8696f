package bot

import (
	"net/url"
	"strings"
)

// normalizeURL upgrades bare and http:// URLs to https://.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var normalized string
	switch lower := strings.ToLower(raw); {
	case strings.HasPrefix(lower, "https://"):
		normalized = raw
	case strings.HasPrefix(lower, "http://"):
		normalized = "https://" + raw[len("http://"):]
	default:
		normalized = "https://" + raw
	}

	if !isValidURL(normalized) {
		return "", ErrInvalidURL
	}
	return normalized, nil
}

func isValidURL(text string) bool {
	_, err := url.ParseRequestURI(text)
	if err != nil {
		return false
	}

	u, err := url.Parse(text)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	return true
}
