package notify

import (
	"strings"
)

var tokenReplacer = strings.NewReplacer(
	".", "_",
	"*", "_",
	">", "_",
	" ", "_",
	"\t", "_",
)

// ToNATSSubject converts an MQTT topic name to NATS subject tokens. MQTT
// uses / as separator, NATS uses . so dots and NATS wildcards inside a
// level are replaced, and empty levels become "_".
func ToNATSSubject(mqttTopic string) string {
	levels := strings.Split(mqttTopic, "/")
	for i, level := range levels {
		levels[i] = NormalizeToken(level)
	}
	return strings.Join(levels, ".")
}

// NormalizeToken makes s safe to use as a single NATS subject token.
func NormalizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Join builds a subject from a prefix and already valid parts.
func Join(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if prefix != "" {
		all = append(all, prefix)
	}
	all = append(all, parts...)
	return strings.Join(all, ".")
}
