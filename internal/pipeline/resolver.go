package pipeline

import (
	"strings"

	"voltwatch.dev/energy-monitor/internal/broker"
)

// ResolveTopic maps an inbound topic to a device among the routes of the
// connection the message arrived on.
//
// An explicit topic pattern always wins: it is matched by exact string
// equality, case-sensitive, with no wildcard expansion. Only when no pattern
// matches is the heuristic tried: a topic segment shaped like a hardware
// address (exactly five digits) is matched against the routes' hardware
// addresses. Configuring an explicit pattern is how an operator
// disambiguates, so the pattern pass runs to completion before any
// heuristic match is considered.
//
// A miss is not an error; the caller logs and drops the message.
func ResolveTopic(topic string, routes []broker.Route) (broker.Route, bool) {
	for _, route := range routes {
		if route.TopicPattern != "" && route.TopicPattern == topic {
			return route, true
		}
	}

	for _, candidate := range hardwareAddressCandidates(topic) {
		for _, route := range routes {
			if route.TopicPattern != "" {
				continue
			}
			if route.HardwareAddress == candidate {
				return route, true
			}
		}
	}

	return broker.Route{}, false
}

// hardwareAddressCandidates extracts topic segments shaped like a hardware
// address: exactly five ASCII digits. "EM/46542" yields ["46542"]; a bare
// "46542" topic yields itself.
func hardwareAddressCandidates(topic string) []string {
	var candidates []string
	for _, segment := range strings.Split(topic, "/") {
		if isHardwareAddress(segment) {
			candidates = append(candidates, segment)
		}
	}
	return candidates
}

func isHardwareAddress(s string) bool {
	if len(s) != HardwareAddressLen {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
