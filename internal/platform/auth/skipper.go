package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// publicPaths bypass operator authentication.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// publicPrefixes are laboratory webhook routes. They are authenticated per
// integration by the lab interface instead of by operator token.
var publicPrefixes = []string{
	"/api/v1/lab/hl7/",
	"/api/v1/lab/fhir/",
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Request().URL.Path)
}

// IsPublicPath reports whether path bypasses operator authentication.
func IsPublicPath(path string) bool {
	if publicPaths[path] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(path, p) && len(path) > len(p) {
			return true
		}
	}
	return false
}
