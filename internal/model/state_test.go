package model_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfse-submitter/internal/model"
)

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    model.State
		terminal bool
	}{
		{model.StateCreated, false},
		{model.StateSigning, false},
		{model.StateSubmitting, false},
		{model.StatePending, false},
		{model.StateFailedTransient, false},
		{model.StateIssued, true},
		{model.StateRejected, true},
		{model.StateCancelled, true},
		{model.StateFailedPermanent, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.True(t, tt.state.IsValid())
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, model.CanTransition(model.StateCreated, model.StateSigning))
	assert.True(t, model.CanTransition(model.StateSubmitting, model.StatePending))
	assert.True(t, model.CanTransition(model.StateFailedTransient, model.StateSubmitting))
	assert.True(t, model.CanTransition(model.StatePending, model.StateFailedPermanent))

	assert.False(t, model.CanTransition(model.StatePending, model.StateFailedTransient))
	assert.False(t, model.CanTransition(model.StatePending, model.StateSubmitting))
	assert.False(t, model.CanTransition(model.StateCreated, model.StateIssued))
	assert.False(t, model.CanTransition(model.StateSubmitting, model.StateCancelled))
}

func TestState_Cancellable(t *testing.T) {
	cancellable := map[model.State]bool{
		model.StateCreated:         true,
		model.StateSigning:         true,
		model.StatePending:         true,
		model.StateFailedTransient: true,
	}
	for _, s := range model.AllStates() {
		assert.Equal(t, cancellable[s], s.Cancellable(), "state %s", s)
	}
}

func TestTransitions_TerminalStatesNeverChange(t *testing.T) {
	rng := rand.New(rand.NewSource(20260310))
	states := model.AllStates()
	now := time.Now().UTC()

	for run := 0; run < 500; run++ {
		rec := model.NewSubmissionRecord(sampleInvoice(), now)

		var terminalAt model.State
		historyLen := 0
		for step := 0; step < 40; step++ {
			to := states[rng.Intn(len(states))]
			before := rec.State
			err := rec.Transition(to, "", now)

			if terminalAt != "" {
				var invalid *model.InvalidTransitionError
				require.ErrorAs(t, err, &invalid, "run %d step %d", run, step)
				require.Equal(t, terminalAt, rec.State)
				require.Len(t, rec.History, historyLen)
				continue
			}

			if model.CanTransition(before, to) {
				require.NoError(t, err)
				require.Equal(t, to, rec.State)
				historyLen++
			} else {
				require.Error(t, err)
				require.Equal(t, before, rec.State)
			}
			require.Len(t, rec.History, historyLen)

			if rec.State.IsTerminal() {
				terminalAt = rec.State
			}
		}
	}
}
