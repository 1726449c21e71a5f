package mqtt

import (
	"strings"
)

// TopicPrefixCore holds the core's own status. Device paths are
// configured in the realtime section of the config.
const TopicPrefixCore = "irrigation/core"

// Topics provides builders for topics the client itself uses.
//
//	mqtt.Topics{}.CoreStatus()            // "irrigation/core/status"
//	mqtt.Topics{}.Subtree("esp/setting")  // "esp/setting/#"
type Topics struct{}

// CoreStatus returns the core online/offline status topic (retained, LWT).
func (Topics) CoreStatus() string {
	return TopicPrefixCore + "/status"
}

// Subtree returns a filter matching a topic and everything beneath it.
// MQTT "#" matches the parent level as well.
func (Topics) Subtree(topic string) string {
	return strings.TrimSuffix(topic, "/") + "/#"
}

// Join builds a topic from segments, ignoring empty ones and stray slashes.
func Join(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Split returns the non-empty segments of a topic.
func Split(topic string) []string {
	raw := strings.Split(topic, "/")
	parts := raw[:0]
	for _, s := range raw {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// IsWithin reports whether topic equals root or lies beneath it.
func IsWithin(topic, root string) bool {
	topic = strings.Trim(topic, "/")
	root = strings.Trim(root, "/")
	if root == "" {
		return true
	}
	return topic == root || strings.HasPrefix(topic, root+"/")
}
