package events

import "time"

// timeFields is the explicit set of field names the synchronization
// protocol sends as ISO-8601 strings that must become time.Time values.
// This replaces the original SDK's `/time|Time/` minus-exceptions regex
// (flagged as brittle in the design notes) with a fixed list derived from
// the DTO shapes §6 and §4.7 enumerate — adding a new timestamp-bearing
// field to the wire protocol means adding it here, not hoping the regex
// still behaves.
var timeFields = map[string]bool{
	"time":                     true,
	"openTime":                 true,
	"closeTime":                true,
	"doneTime":                 true,
	"expirationTime":           true,
	"startTime":                true,
	"endTime":                  true,
	"updateTime":               true,
	"startingHistoryOrderTime": true,
	"startingDealTime":         true,
	"clientProcessingStarted":  true,
	"clientProcessingFinished": true,
	"serverProcessingStarted":  true,
	"serverProcessingFinished": true,
	"recommendedRetryTime":     true,
	"lockedAtTime":             true,
}

// excludedFromConversion lists names that would otherwise match a naive
// "time"-suffix heuristic but must stay strings, per spec.md §4.7.
var excludedFromConversion = map[string]bool{
	"brokerTime": true,
	"BrokerTime": true,
	"timeframe":  true,
}

// ConvertTimestamps walks v (expected to be a map[string]any decoded from
// a JSON event) and replaces every string value under a recognized
// timestamp field name with a parsed time.Time, recursing into nested
// maps and slices. Unparseable strings are left untouched rather than
// dropped, matching spec.md §7's defensive posture toward malformed
// payloads.
func ConvertTimestamps(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if excludedFromConversion[k] {
				continue
			}
			if s, ok := child.(string); ok && timeFields[k] {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					val[k] = t
					continue
				}
			}
			val[k] = ConvertTimestamps(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = ConvertTimestamps(child)
		}
		return val
	default:
		return v
	}
}

// FormatTimestamps is the inverse of ConvertTimestamps, used nowhere in
// the hot path: it formats every time.Time value back to an RFC3339Nano
// string, recursing into nested maps and slices (spec.md §8's
// "round-trip" law). RFC3339Nano drops trailing zero fractional digits,
// so an input such as "...T00:00:00.000Z" comes back as "...T00:00:00Z".
func FormatTimestamps(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if t, ok := child.(time.Time); ok {
				val[k] = t.Format(time.RFC3339Nano)
				continue
			}
			val[k] = FormatTimestamps(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = FormatTimestamps(child)
		}
		return val
	default:
		return v
	}
}
