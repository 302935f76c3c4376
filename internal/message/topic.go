package message

import (
	"fmt"
	"strings"
)

// ValidateTopicFilter validates a subscription topic filter
func ValidateTopicFilter(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "+") && segment != "+" {
			return fmt.Errorf("+ wildcard must occupy entire segment")
		}
	}

	return nil
}

// ValidateTopicName validates a publish topic name
func ValidateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}

	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("wildcards not allowed in topic names")
	}

	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("null character not allowed in topic names")
	}

	return nil
}

// MatchFilter reports whether topic is matched by an MQTT subscription filter.
// Filters starting with a wildcard do not match $-prefixed topics.
func MatchFilter(filter, topic string) bool {
	if filter == "" {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "#") || strings.HasPrefix(filter, "+")) {
		return false
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// FilterTopic selects messages whose topic matches an MQTT subscription filter.
func FilterTopic(filter string) Predicate {
	return func(msg Message) bool { return MatchFilter(filter, msg.Topic) }
}
