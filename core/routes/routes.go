/*Package routes turns raw URL paths into normalized route patterns.

A route pattern is a URL template where every resource segment is followed
by a literal "{id}" placeholder, for example "/book/{id}/page/{id}/". Object
types register under such patterns and the dispatcher matches incoming
request paths against them.
*/
package routes

import "strings"

// RouteInfo is the result of resolving a URL path. ID holds the last
// non-empty identifier of the path; HasID is false when the final pair
// carried no identifier.
type RouteInfo struct {
	RoutePattern string
	ID           string
	HasID        bool
	URL          string
}

// Resolve normalizes a URL path into a route pattern and extracts the
// trailing identifier, if any.
//
// The path is split on "/" and walked in pairs of (segment, identifier).
// Every segment contributes "segment/{id}/" to the pattern, whether or not
// an identifier was present at that position. A leading slash is ignored,
// a trailing slash yields no identifier for the final pair, and the empty
// path resolves to the pattern "/".
//
// Resolve is a pure function: the same path always yields the same result.
func Resolve(path string) RouteInfo {
	parts := strings.Split(path, "/")
	pattern := "/"
	index := 0
	if len(parts) > 0 && parts[0] == "" {
		index++
	}

	var id string
	hasID := false
	for index < len(parts) && parts[index] != "" {
		// resource name
		pattern += parts[index] + "/"

		// resource id
		index++
		if index < len(parts) && parts[index] != "" {
			id = parts[index]
			hasID = true
		} else {
			id = ""
			hasID = false
		}
		pattern += "{id}/"

		// next pair
		index++
	}

	return RouteInfo{RoutePattern: pattern, ID: id, HasID: hasID, URL: path}
}

// StripPrefix removes the application-specific routes prefix from a path.
// Paths that do not start with the prefix are returned unchanged.
func StripPrefix(path, prefix string) string {
	if prefix != "" && strings.HasPrefix(path, prefix) {
		return path[len(prefix):]
	}
	return path
}

// Derive returns the generic route pattern for an object type name,
// for example "book" becomes "/book/{id}/".
func Derive(name string) string {
	return "/" + name + "/{id}/"
}
