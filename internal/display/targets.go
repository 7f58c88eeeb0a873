package display

import (
	"regexp"
	"strings"
)

var (
	characterPattern = regexp.MustCompile(`(?i)character(\d+)\.(png|gif|jpg|jpeg|webp)$`)
	walkingPattern   = regexp.MustCompile(`(?i)walking-(left|right)-(\d+)\.(png|gif|jpg|jpeg|webp)$`)
)

// ResolveTargets maps an uploaded filename onto the display elements it
// replaces: character<N>.<ext> replaces character<N>, walking-<dir>-1 replaces
// walking-<dir>, and walking-<dir>-<N> replaces itself. A filename matching
// neither rule has no targets.
func ResolveTargets(filename string) []string {
	var targets []string
	if m := characterPattern.FindStringSubmatch(filename); m != nil {
		targets = append(targets, "character"+m[1])
	}
	if m := walkingPattern.FindStringSubmatch(filename); m != nil {
		dir := strings.ToLower(m[1])
		if m[2] == "1" {
			targets = append(targets, "walking-"+dir)
		} else {
			targets = append(targets, "walking-"+dir+"-"+m[2])
		}
	}
	return targets
}
