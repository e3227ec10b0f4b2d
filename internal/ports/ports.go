package ports

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/devdeck/devdeck/internal/domain"
)

const maxSlugLength = 50

// AllocatePort returns base when it is not in used, otherwise the smallest
// port >= base that is not in used. Pure and deterministic.
func AllocatePort(base int, used map[int]bool) int {
	port := base
	for used[port] {
		port++
	}
	return port
}

// MakeUniqueID returns base when unused, otherwise base-2, base-3, ... with
// the first unused numeric suffix.
func MakeUniqueID(base string, used map[string]bool) string {
	if !used[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !used[candidate] {
			return candidate
		}
	}
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases text, collapses runs of non-alphanumeric characters into
// single hyphens, strips leading/trailing hyphens, and truncates to 50
// characters. Input with no usable characters yields "service".
func Slugify(text string) string {
	slug := nonAlphanumeric.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.Trim(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "service"
	}
	return slug
}

// portFlag matches -p/--port with either a space or "=" separator, capturing
// the separator and the value token.
var portFlag = regexp.MustCompile(`(?:^|\s)(--port|-p)(=|\s+)(\S+)`)

// DetectHardcodedPort scans a command string for a literal port passed via
// -p, --port or --port=. Values that reference the environment ($PORT,
// ${PORT:-3000}) are not hardcoded: they can vary at runtime.
func DetectHardcodedPort(command string) *domain.HardcodedPort {
	m := portFlag.FindStringSubmatch(command)
	if m == nil {
		return nil
	}
	flag, sep, value := m[1], m[2], m[3]
	if strings.HasPrefix(value, "$") {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 1 || port > 65535 {
		return nil
	}
	if sep == "=" {
		flag += "="
	}
	return &domain.HardcodedPort{Value: port, Source: "command-flag", Flag: flag}
}

// NextFreePort probes for the first port >= start that can actually be bound
// on this host. Returns 0 when nothing is free within maxAttempts.
func NextFreePort(start int) int {
	const maxAttempts = 100
	for i := 0; i < maxAttempts; i++ {
		port := start + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port
	}
	return 0
}
