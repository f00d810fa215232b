package normalize

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_.]{3,64}$`)

// handlePrefixes maps link forms to the messaging platform they imply.
var handlePrefixes = []struct {
	prefix   string
	platform string
}{
	{"t.me/", "telegram"},
	{"telegram.me/", "telegram"},
	{"telegram.dog/", "telegram"},
	{"wa.me/", "whatsapp"},
	{"signal.me/#p/", "signal"},
}

// handle strips link prefixes and a leading '@' and lowercases the rest.
func handle(raw string) (string, error) {
	s, _ := splitHandle(raw)
	if !handlePattern.MatchString(s) {
		return "", invalid(schemas.EntityHandle, raw, "handles are 3-64 characters of [a-z0-9_.]")
	}
	return s, nil
}

// HandlePlatform returns the platform implied by the raw spelling of a handle
// (e.g. "t.me/name" implies telegram), or "" when the input is a bare handle.
func HandlePlatform(raw string) string {
	_, platform := splitHandle(raw)
	return platform
}

func splitHandle(raw string) (string, string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")

	platform := ""
	for _, p := range handlePrefixes {
		if strings.HasPrefix(s, p.prefix) {
			s = s[len(p.prefix):]
			platform = p.platform
			break
		}
	}
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimPrefix(s, "@")
	return s, platform
}
