package util

// ShortID trims an identifier to its first 8 characters for log prefixes.
// Shorter identifiers are returned unchanged.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
