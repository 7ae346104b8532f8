package envelope

import "strings"

// TopicMatches reports whether topic matches pattern under MQTT
// wildcard rules: "+" matches exactly one segment, "#" (only legal as
// the final segment) matches any number of trailing segments. This is
// evaluated client-side against every inbound message (spec section
// 4.2) so broker-specific wildcard quirks never leak into handler
// logic.
func TopicMatches(pattern, topic string) bool {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	for i, p := range pSegs {
		if p == "#" {
			// "#" must be the last pattern segment and matches
			// everything remaining, including zero segments.
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if p == "+" {
			continue
		}
		if p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
