package types

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type ProjectID int64
type MessageID string

// welcomeNamespace scopes the name-based IDs of synthesized welcome messages.
var welcomeNamespace = uuid.MustParse("5f0b8a52-6c1e-4c39-9a51-3d8e7f2c1b04")

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// WelcomeMessageID returns the same ID for a project's welcome message on every call.
func WelcomeMessageID(id ProjectID) MessageID {
	return MessageID(uuid.NewSHA1(welcomeNamespace, []byte("welcome:"+id.String())).String())
}

func (id ProjectID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseProjectID parses a decimal project id. Zero and negative ids are rejected.
func ParseProjectID(s string) (ProjectID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse project id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid project id: %d", n)
	}
	return ProjectID(n), nil
}
