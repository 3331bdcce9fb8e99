package es_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcebox-io/sourcebox-go/core/es"
)

func newAccountRepo(t *testing.T, store es.EventStore, opts ...es.RepositoryOption) es.TypedRepository[*account] {
	t.Helper()
	registry := es.NewRegistry()
	es.RegisterEventFor[es.Created](registry)
	(&account{}).RegisterEvents(registry)
	return es.NewTypedRepository[*account](store, registry, opts...)
}

func TestAggregate_ValidationFailureLeavesNoTrace(t *testing.T) {
	a := &account{}
	a.SetID("acc-1")
	require.NoError(t, a.Open("EUR", 100))

	err := a.Withdraw(150, "EUR")
	require.ErrorIs(t, err, errInsufficientFunds)

	// no mutation, no extra buffered event
	require.EqualValues(t, 100, a.Balance)
	require.Len(t, a.Uncommitted(), 2) // Created + accountOpened only

	require.Error(t, a.Withdraw(40, "USD"))
	require.EqualValues(t, 100, a.Balance)
}

func TestAggregate_ReplayDeterminism(t *testing.T) {
	store := es.NewInMemoryStore()
	repo := newAccountRepo(t, store)

	live := repo.NewWithID("acc-1")
	require.NoError(t, live.Open("EUR", 100))
	require.NoError(t, live.Deposit(25))
	require.NoError(t, live.Withdraw(40, "EUR"))
	require.NoError(t, repo.Save(t.Context(), live))

	replayed, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)

	require.Equal(t, live.Balance, replayed.Balance)
	require.Equal(t, live.Currency, replayed.Currency)
	require.Equal(t, live.Version(), replayed.Version())
	require.EqualValues(t, 85, replayed.Balance)
}

func TestAggregate_WithdrawScenario(t *testing.T) {
	store := es.NewInMemoryStore()
	repo := newAccountRepo(t, store)

	a := repo.NewWithID("acc-1")
	require.NoError(t, a.Open("EUR", 100))
	require.NoError(t, repo.Save(t.Context(), a))
	savedVersion := a.Version()

	// insufficient funds: nothing persisted
	require.ErrorIs(t, a.Withdraw(150, "EUR"), errInsufficientFunds)
	require.NoError(t, repo.Save(t.Context(), a)) // no-op, nothing uncommitted
	require.Equal(t, savedVersion, a.Version())

	require.NoError(t, a.Withdraw(40, "EUR"))
	require.NoError(t, repo.Save(t.Context(), a))
	require.Equal(t, savedVersion+1, a.Version())

	reloaded, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 60, reloaded.Balance)
}

func TestRepository_NotFound(t *testing.T) {
	repo := newAccountRepo(t, es.NewInMemoryStore())
	_, err := repo.GetByID(t.Context(), "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestRepository_GetOrCreate(t *testing.T) {
	repo := newAccountRepo(t, es.NewInMemoryStore())

	a, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, "acc-1", a.ID())
	require.EqualValues(t, 1, a.Version())

	again, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.Equal(t, a.Version(), again.Version())
}

func TestRepository_OpenAfterGetOrCreate(t *testing.T) {
	repo := newAccountRepo(t, es.NewInMemoryStore())

	a, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.NoError(t, a.Open("EUR", 100))
	require.NoError(t, repo.Save(t.Context(), a))

	reloaded, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, 100, reloaded.Balance)
	require.Error(t, reloaded.Open("EUR", 100))
}

func TestRepository_ConcurrencyConflict(t *testing.T) {
	repo := newAccountRepo(t, es.NewInMemoryStore())

	a, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.NoError(t, a.Open("EUR", 100))
	require.NoError(t, repo.Save(t.Context(), a))

	// two writers race the same stream
	w1, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)
	w2, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)

	require.NoError(t, w1.Deposit(10))
	require.NoError(t, repo.Save(t.Context(), w1))

	require.NoError(t, w2.Deposit(20))
	require.ErrorIs(t, repo.Save(t.Context(), w2), es.ErrConcurrencyConflict)
}

func TestRepository_WithTransactionRetries(t *testing.T) {
	repo := newAccountRepo(t, es.NewInMemoryStore())

	a, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.NoError(t, a.Open("EUR", 0))
	require.NoError(t, repo.Save(t.Context(), a))

	const n = 10
	done := make(chan error, n)
	for range n {
		go func() {
			done <- repo.WithTransaction(t.Context(), "acc-1", func(a *account) error {
				return a.Deposit(1)
			})
		}()
	}
	for range n {
		require.NoError(t, <-done)
	}

	a, err = repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)
	require.EqualValues(t, n, a.Balance)
}

func TestRepository_Snapshot(t *testing.T) {
	var (
		store       = es.NewInMemoryStore()
		snapshotter = es.NewInMemorySnapshotter()
		repo        = newAccountRepo(t, store, es.WithSnapshotter(snapshotter), es.WithCacheLRU(16))
	)

	a, err := repo.GetOrCreate(t.Context(), "acc-1")
	require.NoError(t, err)
	require.NoError(t, a.Open("EUR", 100))
	require.NoError(t, repo.Save(t.Context(), a, es.WithSnapshot()))

	// tail after the snapshot
	require.NoError(t, a.Deposit(50))
	require.NoError(t, repo.Save(t.Context(), a))

	fromSnapshot, err := repo.GetByID(t.Context(), "acc-1", es.FromSnapshot())
	require.NoError(t, err)
	full, err := repo.GetByID(t.Context(), "acc-1")
	require.NoError(t, err)

	// snapshots are an optimization only: observable state is identical
	require.Equal(t, full.Balance, fromSnapshot.Balance)
	require.Equal(t, full.Version(), fromSnapshot.Version())
	require.EqualValues(t, 150, fromSnapshot.Balance)
}
