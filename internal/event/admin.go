package event

import "DelayLedger/internal/identity"

type AuthorityGranted struct {
	Role     string      `json:"role"`
	Identity identity.ID `json:"identity"`
	By       identity.ID `json:"by"`
}

func (e *AuthorityGranted) EventType() EventType {
	return EventTypeAuthorityGranted
}

func (e *AuthorityGranted) AggregateKey() string {
	return "role:" + e.Role
}

type AuthorityRevoked struct {
	Role     string      `json:"role"`
	Identity identity.ID `json:"identity"`
	By       identity.ID `json:"by"`
}

func (e *AuthorityRevoked) EventType() EventType {
	return EventTypeAuthorityRevoked
}

func (e *AuthorityRevoked) AggregateKey() string {
	return "role:" + e.Role
}

type AdminRotated struct {
	Previous identity.ID `json:"previous"`
	Next     identity.ID `json:"next"`
}

func (e *AdminRotated) EventType() EventType {
	return EventTypeAdminRotated
}

func (e *AdminRotated) AggregateKey() string {
	return "admin"
}
