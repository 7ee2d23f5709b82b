// Package session generates the per-client conversation identifier.
//
// An ID is created once when the client starts and is used as the routing key
// in the relay path (/ws/chat/{id}). It is not persisted: a restarted client is
// a new conversation as far as the relay is concerned.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const idPrefix = "session_"

// suffixLen is the number of random characters appended after the timestamp.
const suffixLen = 9

// ID identifies one logical conversation.
type ID string

func (id ID) String() string { return string(id) }

// NewID returns a fresh identifier of the form session_<unix-millis>_<random>.
func NewID() ID {
	return newIDAt(time.Now())
}

func newIDAt(now time.Time) ID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return ID(fmt.Sprintf("%s%d_%s", idPrefix, now.UnixMilli(), suffix))
}

// Validate rejects ids that cannot be used as a single path segment.
func (id ID) Validate() error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return errors.New("session id is empty")
	}
	if strings.ContainsAny(s, "/?# \t\n") {
		return errors.Errorf("session id %q contains reserved characters", s)
	}
	return nil
}

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	id := ID(strings.TrimSpace(s))
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}
