package mqtt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPrefix is returned when a topic prefix is empty or ends in
// the topic separator.
var ErrInvalidPrefix = errors.New("invalid topic prefix")

// Topics is the set of state and command topics derived from a prefix.
// It is computed once and never modified.
type Topics struct {
	Availability string
	Camera       string
	Size         string
	Reload       string
}

// NewTopics derives the topic set for prefix. The prefix must be
// non-empty and must not end with "/".
func NewTopics(prefix string) (Topics, error) {
	if prefix == "" {
		return Topics{}, fmt.Errorf("%w: empty", ErrInvalidPrefix)
	}
	if strings.HasSuffix(prefix, "/") {
		return Topics{}, fmt.Errorf("%w: %q has a trailing slash", ErrInvalidPrefix, prefix)
	}
	return Topics{
		Availability: prefix + "/status",
		Camera:       prefix + "/camera",
		Size:         prefix + "/camera_size",
		Reload:       prefix + "/reload",
	}, nil
}

// discoveryTopic returns the Home Assistant discovery config topic for
// one entity of this device.
func discoveryTopic(discoveryPrefix, component, name, entity string) string {
	return discoveryPrefix + "/" + component + "/" + name + "/" + entity + "/config"
}
