package commission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusValidated}:   true,
		{StatusPending, StatusCancelled}:   true,
		{StatusValidated, StatusRequested}: true,
		{StatusValidated, StatusCancelled}: true,
		{StatusRequested, StatusValidated}: true,
		{StatusRequested, StatusPaid}:      true,
		{StatusRequested, StatusCancelled}: true,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			require.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, StatusPaid.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusRequested.IsTerminal())
	require.ErrorIs(t, CheckTransition(StatusPaid, StatusCancelled), ErrInvalidTransition)
}

func TestDirectTransitions(t *testing.T) {
	require.NoError(t, CheckDirectTransition(StatusPending, StatusValidated))
	require.NoError(t, CheckDirectTransition(StatusPending, StatusCancelled))
	require.NoError(t, CheckDirectTransition(StatusValidated, StatusCancelled))
	require.NoError(t, CheckDirectTransition(StatusRequested, StatusCancelled))

	require.ErrorIs(t, CheckDirectTransition(StatusRequested, StatusValidated), ErrInvalidTransition)
	require.ErrorIs(t, CheckDirectTransition(StatusValidated, StatusValidated), ErrInvalidTransition)
	require.ErrorIs(t, CheckDirectTransition(StatusValidated, StatusRequested), ErrInvalidTransition)
	require.ErrorIs(t, CheckDirectTransition(StatusRequested, StatusPaid), ErrInvalidTransition)
	require.ErrorIs(t, CheckDirectTransition(StatusPaid, StatusCancelled), ErrInvalidTransition)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("payable")
	require.NoError(t, err)
	require.Equal(t, StatusValidated, s)

	s, err = ParseStatus(" Paid ")
	require.NoError(t, err)
	require.Equal(t, StatusPaid, s)

	_, err = ParseStatus("archived")
	require.Error(t, err)
}
