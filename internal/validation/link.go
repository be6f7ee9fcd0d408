// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"
	"strings"
	"unicode"
)

const maxLinkLength = 2048

// IsValidLink проверяет ссылку на продвигаемый объект.
// Допускается абсолютный http(s) URL с хостом или имя аккаунта без пробелов (например, @username).
func IsValidLink(link string) bool {
	if link == "" || len(link) > maxLinkLength {
		return false
	}

	for _, ch := range link {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) {
			return false
		}
	}

	if !strings.Contains(link, "://") {
		return !strings.ContainsAny(link, "<>\"'`")
	}

	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
