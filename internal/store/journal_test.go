package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/SplintFactory/Foundry/internal/store"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T) *store.Journal {
	t.Helper()
	journal, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "foundry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, journal.Close()) })
	return journal
}

func TestJournal(t *testing.T) {
	t.Parallel()

	t.Run("start and finish", func(t *testing.T) {
		t.Parallel()
		journal := openJournal(t)

		id, err := journal.Start(t.Context(), "wrist_splint_42")
		require.NoError(t, err)
		require.NotZero(t, id)

		require.NoError(t, journal.Finish(t.Context(), id, true, "generated and sliced"))

		attempts, err := journal.History(t.Context(), 10)
		require.NoError(t, err)
		require.Len(t, attempts, 1)

		attempt := attempts[0]
		require.Equal(t, "wrist_splint_42", attempt.JobKey)
		require.True(t, attempt.Success.Valid)
		require.True(t, attempt.Success.Bool)
		require.Equal(t, "generated and sliced", attempt.Message.String)
		require.WithinDuration(t, time.Now(), attempt.Started(), time.Minute)

		finished, done := attempt.Finished()
		require.True(t, done)
		require.WithinDuration(t, time.Now(), finished, time.Minute)
	})

	t.Run("double finish", func(t *testing.T) {
		t.Parallel()
		journal := openJournal(t)

		id, err := journal.Start(t.Context(), "wrist_splint_42")
		require.NoError(t, err)
		require.NoError(t, journal.Finish(t.Context(), id, false, "stall"))
		require.ErrorIs(t, journal.Finish(t.Context(), id, true, "later"), store.ErrAlreadyFinished)
	})

	t.Run("unknown attempt", func(t *testing.T) {
		t.Parallel()
		journal := openJournal(t)
		require.ErrorIs(t, journal.Finish(t.Context(), 12345, true, ""), store.ErrNotFound)
	})

	t.Run("dangling attempts are marked interrupted", func(t *testing.T) {
		t.Parallel()
		journal := openJournal(t)

		first, err := journal.Start(t.Context(), "wrist_splint_1")
		require.NoError(t, err)
		_, err = journal.Start(t.Context(), "thumb_guard_2")
		require.NoError(t, err)
		require.NoError(t, journal.Finish(t.Context(), first, true, "ok"))

		dangling, err := journal.Dangling(t.Context())
		require.NoError(t, err)
		require.Len(t, dangling, 1)
		require.Equal(t, "thumb_guard_2", dangling[0].JobKey)
		_, done := dangling[0].Finished()
		require.False(t, done)

		n, err := journal.MarkInterrupted(t.Context())
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		dangling, err = journal.Dangling(t.Context())
		require.NoError(t, err)
		require.Empty(t, dangling)

		attempts, err := journal.History(t.Context(), 10)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		// newest first, thumb_guard_2 was inserted last
		require.Equal(t, "thumb_guard_2", attempts[0].JobKey)
		require.True(t, attempts[0].Success.Valid)
		require.False(t, attempts[0].Success.Bool)
		require.Equal(t, "interrupted", attempts[0].Message.String)
	})

	t.Run("survives reopen", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "foundry.db")

		journal, err := store.Open(t.Context(), path)
		require.NoError(t, err)
		_, err = journal.Start(t.Context(), "wrist_splint_7")
		require.NoError(t, err)
		require.NoError(t, journal.Close())

		journal, err = store.Open(t.Context(), path)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, journal.Close()) })

		attempts, err := journal.History(t.Context(), 10)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		require.Equal(t, "wrist_splint_7", attempts[0].JobKey)
	})

	t.Run("history honors the limit", func(t *testing.T) {
		t.Parallel()
		journal := openJournal(t)
		for _, key := range []string{"a_1", "b_2", "c_3"} {
			_, err := journal.Start(t.Context(), key)
			require.NoError(t, err)
		}

		attempts, err := journal.History(t.Context(), 2)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		require.Equal(t, "c_3", attempts[0].JobKey)
		require.Equal(t, "b_2", attempts[1].JobKey)
	})
}
