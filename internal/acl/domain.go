package acl

import (
	"fmt"
	"strings"

	"github.com/kyushbot/cmdgate/internal/shared"
)

// ListType names one of the six access list categories.
type ListType string

const (
	UserWhitelist ListType = "user_whitelist"
	UserBlacklist ListType = "user_blacklist"
	ChatWhitelist ListType = "chat_whitelist"
	ChatBlacklist ListType = "chat_blacklist"
	RoleWhitelist ListType = "role_whitelist"
	RoleBlacklist ListType = "role_blacklist"
)

// Subject kinds accepted by the admin grammar.
const (
	SubjectUser = "user"
	SubjectChat = "chat"
	SubjectRole = "role"
)

// DefaultDenyMessage is used for commands without a policy outside the allow-list.
const DefaultDenyMessage = "You are not allowed to use this command."

// Valid reports whether t is one of the known list types.
func (t ListType) Valid() bool {
	switch t {
	case UserWhitelist, UserBlacklist, ChatWhitelist, ChatBlacklist, RoleWhitelist, RoleBlacklist:
		return true
	}
	return false
}

// Subject returns the kind of value the list holds.
func (t ListType) Subject() string {
	switch t {
	case UserWhitelist, UserBlacklist:
		return SubjectUser
	case ChatWhitelist, ChatBlacklist:
		return SubjectChat
	default:
		return SubjectRole
	}
}

// Allows reports whether membership in the list grants access.
func (t ListType) Allows() bool {
	return t == UserWhitelist || t == ChatWhitelist || t == RoleWhitelist
}

// ListTypeFor maps an (allow|deny) permission and a subject kind to a list type.
func ListTypeFor(allow bool, subject string) (ListType, error) {
	switch strings.ToLower(subject) {
	case SubjectUser:
		if allow {
			return UserWhitelist, nil
		}
		return UserBlacklist, nil
	case SubjectChat:
		if allow {
			return ChatWhitelist, nil
		}
		return ChatBlacklist, nil
	case SubjectRole:
		if allow {
			return RoleWhitelist, nil
		}
		return RoleBlacklist, nil
	}
	return "", fmt.Errorf("acl: unknown subject %q", subject)
}

// Policy is the fallback decision for a command when no list entry matches.
type Policy struct {
	Command      string
	DefaultAllow bool
	DenyMessage  string
}

// Entry is a single access list row.
type Entry struct {
	Command  string
	ListType ListType
	Value    string
	Reason   string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Granted     bool
	DenyMessage string
}

// Normalize case-folds command and role names.
func Normalize(name string) string {
	return shared.FoldName(name)
}

func grant() Decision {
	return Decision{Granted: true}
}

func deny(message string) Decision {
	return Decision{Granted: false, DenyMessage: message}
}
