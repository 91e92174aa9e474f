package cache

import (
	"fmt"
	"strings"
)

const (
	KeyRoutes = "routes"
)

func KeyTimetable(routeID string) string {
	return fmt.Sprintf("timetable:%s", routeID)
}

func KeyRoutePath(routeID string) string {
	return fmt.Sprintf("path:%s", routeID)
}

func KeyRouteSearch(query string) string {
	return fmt.Sprintf("routes:search:%s", strings.ToLower(strings.TrimSpace(query)))
}
