package draft

import (
	"fmt"
	"strings"
)

// Type selects the payload variant of a draft and the domain service that
// finalizes it.
type Type string

const (
	TypeTask                Type = "TASK"
	TypeEpic                Type = "EPIC"
	TypeChallenge           Type = "CHALLENGE"
	TypeEvent               Type = "EVENT"
	TypeBill                Type = "BILL"
	TypeNote                Type = "NOTE"
	TypeClarificationNeeded Type = "CLARIFICATION_NEEDED"
)

// Types lists every draft type in declaration order.
var Types = []Type{
	TypeTask,
	TypeEpic,
	TypeChallenge,
	TypeEvent,
	TypeBill,
	TypeNote,
	TypeClarificationNeeded,
}

// CreatableTypes are the types a domain service can turn into an entity.
var CreatableTypes = []Type{
	TypeTask,
	TypeEpic,
	TypeChallenge,
	TypeEvent,
	TypeBill,
	TypeNote,
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown draft type %q", s)
}

// Creatable reports whether drafts of this type can be approved.
func (t Type) Creatable() bool {
	for _, c := range CreatableTypes {
		if t == c {
			return true
		}
	}
	return false
}

func (t Type) String() string { return string(t) }
