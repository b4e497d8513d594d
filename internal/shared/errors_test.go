package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	require.ErrorIs(t, NotFound("ACL not found"), ErrNotFound)
	require.ErrorIs(t, AlreadyExists("ACL already exists"), ErrAlreadyExists)
	require.ErrorIs(t, NotRegistered("echo"), ErrNotRegistered)
	require.ErrorIs(t, Validation("bad"), ErrValidation)

	cause := errors.New("disk full")
	err := Storage("insert acl entry", cause)
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestReplyMessage(t *testing.T) {
	require.Equal(t, "ACL not found", ReplyMessage(NotFound("ACL not found")))
	require.Equal(t, "Command echo is not registered", ReplyMessage(NotRegistered("echo")))
	require.Equal(t, GenericFailureMessage, ReplyMessage(Storage("insert", errors.New("locked"))))
	require.Equal(t, GenericFailureMessage, ReplyMessage(errors.New("raw")))
	require.Equal(t, "Value must be 0", ReplyMessage(fmt.Errorf("wrapped: %w", Validation("Value must be 0"))))
	require.Empty(t, ReplyMessage(nil))
}
