package member

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/migrate"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/store/postgres"
	"github.com/nimburion/txbound/pkg/testutil"
	"github.com/nimburion/txbound/pkg/txbound"
)

func TestTransfer_Integration(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()

	adapter, err := postgres.NewAdapter(postgres.Config{
		Driver:         postgres.DriverPGX,
		URL:            dsn,
		MaxOpenConns:   10,
		AcquireTimeout: 5 * time.Second,
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	manager := txbound.NewManager(adapter.Source())
	files, dir, err := Migrations(adapter.System())
	require.NoError(t, err)
	migrator, err := migrate.NewSQLManager(manager, adapter.Dialect(), files, dir, nil)
	require.NoError(t, err)
	_, err = migrator.Up(ctx)
	require.NoError(t, err)

	repo := NewRepository(adapter.Dialect())
	store := NewStore(adapter.Source(), repo)
	outbox := eventbus.NewSQLOutboxStore(adapter.Source(), adapter.Dialect())
	svc := NewTransferService(manager, repo, WithOutbox(outbox))

	reset := func(t *testing.T, members ...Member) {
		t.Helper()
		_, err := store.DeleteAll(ctx)
		require.NoError(t, err)
		for i := range members {
			require.NoError(t, store.Save(ctx, &members[i]))
		}
	}
	balance := func(t *testing.T, id string) int64 {
		t.Helper()
		m, err := store.FindByID(ctx, id)
		require.NoError(t, err)
		return m.Money
	}

	for _, mode := range modes {
		t.Run("commit/"+string(mode), func(t *testing.T) {
			reset(t, Member{ID: "A", Money: 10000}, Member{ID: "B", Money: 10000})

			require.NoError(t, svc.Transfer(ctx, mode, "A", "B", 2000))

			assert.Equal(t, int64(8000), balance(t, "A"))
			assert.Equal(t, int64(12000), balance(t, "B"))
		})

		t.Run("rollback/"+string(mode), func(t *testing.T) {
			reset(t, Member{ID: "A", Money: 10000}, Member{ID: InvalidMemberID, Money: 10000})
			pending, err := outbox.PendingCount(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)

			err = svc.Transfer(ctx, mode, "A", InvalidMemberID, 2000)

			require.Error(t, err)
			assert.Equal(t, int64(10000), balance(t, "A"))
			assert.Equal(t, int64(10000), balance(t, InvalidMemberID))
			after, err := outbox.PendingCount(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, pending, after, "rolled back transfer left an outbox entry")
		})
	}

	t.Run("chain isolation", func(t *testing.T) {
		const pairs = 8
		var members []Member
		for i := 0; i < pairs; i++ {
			members = append(members,
				Member{ID: fmt.Sprintf("F%d", i), Money: 10000},
				Member{ID: fmt.Sprintf("T%d", i), Money: 10000})
		}
		reset(t, members...)

		var wg sync.WaitGroup
		errs := make([]error, pairs)
		for i := 0; i < pairs; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = svc.Transfer(ctx, modes[i%len(modes)], fmt.Sprintf("F%d", i), fmt.Sprintf("T%d", i), int64(100*(i+1)))
			}(i)
		}
		wg.Wait()

		for i := 0; i < pairs; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, int64(10000-100*(i+1)), balance(t, fmt.Sprintf("F%d", i)))
			assert.Equal(t, int64(10000+100*(i+1)), balance(t, fmt.Sprintf("T%d", i)))
		}
		assert.Equal(t, 0, adapter.DB().Stats().InUse)
	})
}
