package connregistry

import (
	"context"
	"fmt"
	"math/rand"
	"notification-service/internal/contextkeys"
	"notification-service/internal/core/domain"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, msg domain.PushMessage) error { return nil }

func conn(id string) domain.Connection {
	return domain.Connection{ID: id, Sender: nopSender{}}
}

func ids(conns []domain.Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	sort.Strings(out)
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(contextkeys.NoopLogger())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Register("U1", conn("c1"))
	require.NoError(t, err)
	_, err = r.Register("U1", conn("c2"))
	require.NoError(t, err)
	_, err = r.Register("U2", conn("c3"))
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2"}, ids(r.ConnectionsFor("U1")))
	assert.Equal(t, []string{"c3"}, ids(r.ConnectionsFor("U2")))
	assert.Empty(t, r.ConnectionsFor("nobody"))
	assert.Equal(t, domain.RegistryStats{Subjects: 2, Connections: 3}, r.Stats())
	assert.NoError(t, r.CheckInvariants())
}

func TestRegistry_DeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register("U1", conn("c1"))

	assert.True(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("c1"))
	assert.False(t, r.Deregister("never-registered"))

	assert.Empty(t, r.ConnectionsFor("U1"))
	assert.Equal(t, 0, r.Stats().Subjects)
	assert.NoError(t, r.CheckInvariants())
}

func TestRegistry_SnapshotIsNotLiveView(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register("U1", conn("c1"))

	snapshot := r.ConnectionsFor("U1")
	r.Deregister("c1")
	_, _ = r.Register("U1", conn("c2"))

	assert.Equal(t, []string{"c1"}, ids(snapshot))
}

func TestRegistry_SameIDUnderAnotherSubjectIsViolation(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register("U1", conn("c1"))
	require.NoError(t, err)

	_, err = r.Register("U2", conn("c1"))
	var violation *domain.RegistryInvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []string{"c1"}, ids(r.ConnectionsFor("U1")))
	assert.Empty(t, r.ConnectionsFor("U2"))
}

func TestRegistry_ClosedRefusesRegistration(t *testing.T) {
	r := newTestRegistry()
	_, _ = r.Register("U1", conn("c1"))

	live := r.Close()
	assert.Equal(t, []string{"c1"}, ids(live))

	_, err := r.Register("U1", conn("c2"))
	assert.ErrorIs(t, err, domain.ErrRegistryClosed)
	assert.True(t, r.Stats().Closed)

	// закрытие соединений после Close все еще снимает их с учета
	assert.True(t, r.Deregister("c1"))
}

// Случайные последовательности операций сверяются с простой моделью
func TestRegistry_RandomInterleavingsMatchModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	subjects := []string{"U1", "U2", "U3", "U4"}

	for round := 0; round < 50; round++ {
		r := newTestRegistry()
		model := map[string]map[string]bool{}
		owner := map[string]string{}

		for step := 0; step < 200; step++ {
			connID := fmt.Sprintf("c%d", rng.Intn(30))
			if rng.Intn(3) == 0 {
				r.Deregister(connID)
				if s, ok := owner[connID]; ok {
					delete(model[s], connID)
					if len(model[s]) == 0 {
						delete(model, s)
					}
					delete(owner, connID)
				}
				continue
			}

			subject := subjects[rng.Intn(len(subjects))]
			_, err := r.Register(subject, conn(connID))
			if s, ok := owner[connID]; ok && s != subject {
				require.Error(t, err)
				continue
			}
			require.NoError(t, err)
			if model[subject] == nil {
				model[subject] = map[string]bool{}
			}
			model[subject][connID] = true
			owner[connID] = subject
		}

		for _, s := range subjects {
			var want []string
			for id := range model[s] {
				want = append(want, id)
			}
			sort.Strings(want)
			got := ids(r.ConnectionsFor(s))
			if len(want) == 0 {
				assert.Empty(t, got, "round %d subject %s", round, s)
			} else {
				assert.Equal(t, want, got, "round %d subject %s", round, s)
			}
		}
		assert.Equal(t, len(model), r.Stats().Subjects)
		assert.Equal(t, len(owner), r.Stats().Connections)
		require.NoError(t, r.CheckInvariants())
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			subject := fmt.Sprintf("U%d", w%3)
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("w%d-c%d", w, i)
				_, err := r.Register(subject, conn(id))
				assert.NoError(t, err)
				for _, c := range r.ConnectionsFor(subject) {
					assert.Equal(t, subject, c.SubjectID)
				}
				r.Deregister(id)
				r.Deregister(id)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, domain.RegistryStats{}, r.Stats())
	assert.NoError(t, r.CheckInvariants())
}
