package mqtt

import "strings"

// TopicPrefix is the root of every topic owned by the core.
const TopicPrefix = "openpeerpower"

// Topics provides builders for core MQTT topics.
type Topics struct{}

// SystemStatus returns the retained online/offline status topic.
//
// Example: openpeerpower/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// Events returns the default topic the event stream publishes to.
//
// Example: openpeerpower/events
func (Topics) Events() string {
	return TopicPrefix + "/events"
}

// RemoteEvents returns the default topic the event stream ingests from.
//
// Example: openpeerpower/remote/events
func (Topics) RemoteEvents() string {
	return TopicPrefix + "/remote/events"
}

// Match reports whether topic matches filter, honouring the + (one
// level) and # (remaining levels) wildcards.
func Match(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
