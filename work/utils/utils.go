package utils

import (
	"fmt"
	"net/url"

	regexp "github.com/grafana/regexp"

	"emeltv-player/work/config"
)

// secretParam matches query parameters that usually carry playback tokens.
var secretParam = regexp.MustCompile(`(?i)^(token|sig|signature|auth|key|hdnts|hdntl|expires|policy|key-pair-id)$`)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return RedactSecrets(url)
}

// ObfuscateURL keeps scheme and host and masks everything else.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}

// RedactSecrets masks the values of token-like query parameters and leaves the rest intact.
func RedactSecrets(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil || u.RawQuery == "" {
		return urlStr
	}

	q := u.Query()
	changed := false
	for k := range q {
		if secretParam.MatchString(k) {
			q.Set(k, "***")
			changed = true
		}
	}
	if !changed {
		return urlStr
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
