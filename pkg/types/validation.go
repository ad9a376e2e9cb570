package types

import (
	"encoding/json"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// validator caches struct metadata; one instance is safe for concurrent use.
	validate = validator.New()
)

// IsValidUserID checks the 1-50 character alphanumeric/underscore/hyphen format.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// Validate checks the frame envelope.
func (f *ClientFrame) Validate() error {
	if err := validate.Struct(f); err != nil {
		return errors.Wrap(ErrInvalidEvent, err.Error())
	}
	return nil
}

// DecodePayload unmarshals the frame payload into v and validates it.
func (f *ClientFrame) DecodePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return errors.Wrapf(ErrInvalidEvent, "%s: missing payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%s: %v", f.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return errors.Wrapf(ErrInvalidEvent, "%s: %v", f.Type, err)
	}
	if spec, ok := v.(*SendRequest); ok {
		return spec.Conversation.Validate()
	}
	return nil
}

// Validate applies the kind-specific target rules that struct tags cannot express.
func (s ConversationSpec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(ErrInvalidEvent, err.Error())
	}
	if s.ConversationID != "" {
		return nil
	}
	switch s.Kind {
	case KindDirect:
		if !IsValidUserID(s.PeerID) {
			return errors.Wrap(ErrInvalidEvent, "direct conversation needs conversation_id or a valid peer_id")
		}
	case KindCourseBroadcast:
		if s.CourseID == "" {
			return errors.Wrap(ErrInvalidEvent, "course broadcast needs conversation_id or course_id")
		}
	case KindGlobalBroadcast:
		if s.Audience == "" {
			return errors.Wrap(ErrInvalidEvent, "global broadcast needs conversation_id or audience")
		}
	}
	return nil
}

// ValidateStruct checks v's validate tags, reporting failures as ErrInvalidEvent.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return errors.Wrap(ErrInvalidEvent, err.Error())
	}
	return nil
}
