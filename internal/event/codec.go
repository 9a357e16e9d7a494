package event

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes an event payload for the log and the outbound stream.
func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return data, nil
}

// New returns a zero payload for the given type.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeFunded:
		return &Funded{}, nil
	case EventTypeWithdrawn:
		return &Withdrawn{}, nil
	case EventTypeCompensationPaid:
		return &CompensationPaid{}, nil
	case EventTypePolicyCreated:
		return &PolicyCreated{}, nil
	case EventTypePolicySettled:
		return &PolicySettled{}, nil
	case EventTypeAuthorityGranted:
		return &AuthorityGranted{}, nil
	case EventTypeAuthorityRevoked:
		return &AuthorityRevoked{}, nil
	case EventTypeAdminRotated:
		return &AdminRotated{}, nil
	default:
		return nil, fmt.Errorf("unsupported event type: %d", t)
	}
}

// Unmarshal decodes a payload written by Marshal.
func Unmarshal(t EventType, data []byte) (Event, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", t, err)
	}
	return e, nil
}
