package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. Orchestrators and the metrics scraper
// call them without credentials.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/journal": true,
	"/metrics":        true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
