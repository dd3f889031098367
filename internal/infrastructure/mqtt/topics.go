package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "graylogic"

// Topics builds the hub's MQTT topics under one prefix:
//
//	<prefix>/status                        retained online/offline
//	<prefix>/state/<domain>/<object_id>    retained entity JSON
//	<prefix>/set/<domain>/<object_id>      inbound state writes
type Topics struct {
	prefix string
}

// NewTopics returns a builder for prefix. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic prefix.
func (t Topics) Prefix() string {
	return t.prefix
}

// Status returns the hub availability topic.
func (t Topics) Status() string {
	return t.prefix + "/status"
}

// State returns the retained state topic for an entity.
//
// Example: graylogic/state/light/kitchen
func (t Topics) State(domain, objectID string) string {
	return t.prefix + "/state/" + domain + "/" + objectID
}

// Set returns the inbound write topic for an entity.
//
// Example: graylogic/set/light/kitchen
func (t Topics) Set(domain, objectID string) string {
	return t.prefix + "/set/" + domain + "/" + objectID
}

// AllStates matches every state topic.
func (t Topics) AllStates() string {
	return t.prefix + "/state/+/+"
}

// AllSets matches every set topic.
func (t Topics) AllSets() string {
	return t.prefix + "/set/+/+"
}

// ParseSet extracts the domain and object id from a set topic.
func (t Topics) ParseSet(topic string) (domain, objectID string, ok bool) {
	return t.parse(topic, "set")
}

// ParseState extracts the domain and object id from a state topic.
func (t Topics) ParseState(topic string) (domain, objectID string, ok bool) {
	return t.parse(topic, "state")
}

func (t Topics) parse(topic, category string) (domain, objectID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix+"/"+category+"/")
	if !found {
		return "", "", false
	}
	domain, objectID, found = strings.Cut(rest, "/")
	if !found || domain == "" || objectID == "" || strings.Contains(objectID, "/") {
		return "", "", false
	}
	return domain, objectID, true
}
