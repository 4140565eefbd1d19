package provisioning

import "strings"

const (
	// DefaultEmailDomain is appended to derived administrator addresses.
	DefaultEmailDomain = "example.com"

	maxLocalPartLen = 32
)

// AdminEmail derives the default administrator address from a tenant's
// display name: lower-cased, reduced to [a-z0-9], truncated, "@" + domain.
func AdminEmail(name, domain string) string {
	if domain == "" {
		domain = DefaultEmailDomain
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxLocalPartLen {
				break
			}
		}
	}
	local := b.String()
	if local == "" {
		local = "admin"
	}
	return local + "@" + domain
}
