package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmlistener.evalgo.org/resourcelock"
)

func newTestTask(t *testing.T, action string, params map[string]interface{}) *Task {
	t.Helper()
	tsk, err := New(action, params, []resourcelock.ResourceKey{resourcelock.NewResourceKey("ENTITY", "42")}, true, nil)
	require.NoError(t, err)
	return tsk
}

func TestLifecycle_LegalTransitions(t *testing.T) {
	tsk := newTestTask(t, "ENTITY", map[string]interface{}{"id": 42})
	require.NoError(t, tsk.Schedule())
	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.Succeed())
	assert.Equal(t, Successful, tsk.State())
}

func TestLifecycle_IllegalTransitionFails(t *testing.T) {
	tsk := newTestTask(t, "ENTITY", nil)
	require.NoError(t, tsk.Schedule())
	require.NoError(t, tsk.Start())

	err := tsk.Schedule() // STARTED -> SCHEDULED is not legal
	require.Error(t, err)
	assert.Equal(t, Started, tsk.State(), "state must not change on a rejected transition")
}

func TestLifecycle_TerminalStateIsSticky(t *testing.T) {
	tsk := newTestTask(t, "ENTITY", nil)
	require.NoError(t, tsk.Schedule())
	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.Succeed())

	err := tsk.Fail(nil)
	require.Error(t, err)
}

func TestSignature_StableUnderParamOrdering(t *testing.T) {
	sigA, err := Signature("ENTITY", map[string]interface{}{"a": 1, "b": 2}, []string{"ENTITY:42"})
	require.NoError(t, err)
	sigB, err := Signature("ENTITY", map[string]interface{}{"b": 2, "a": 1}, []string{"ENTITY:42"})
	require.NoError(t, err)
	assert.Equal(t, sigA, sigB)
}

func TestSignature_DiffersOnParamValue(t *testing.T) {
	sigA, err := Signature("ENTITY", map[string]interface{}{"id": 1}, []string{"ENTITY:1"})
	require.NoError(t, err)
	sigB, err := Signature("ENTITY", map[string]interface{}{"id": 2}, []string{"ENTITY:2"})
	require.NoError(t, err)
	assert.NotEqual(t, sigA, sigB)
}

func TestDefensiveCopy_CallerMutationDoesNotLeak(t *testing.T) {
	params := map[string]interface{}{"id": 42}
	tsk := newTestTask(t, "ENTITY", params)
	params["id"] = 999

	assert.Equal(t, 42, tsk.Params()["id"])
}

func TestTaskGroup_ClosesWhenAllMembersDone(t *testing.T) {
	group := NewTaskGroup()
	t1, err := New("ENTITY", nil, nil, false, group)
	require.NoError(t, err)
	t2, err := New("RECORD", nil, nil, false, group)
	require.NoError(t, err)

	require.NoError(t, t1.Schedule())
	require.NoError(t, t1.Start())
	require.NoError(t, t1.Succeed())

	select {
	case <-group.Done():
		t.Fatal("group must not be done until both members finish")
	default:
	}

	require.NoError(t, t2.Schedule())
	require.NoError(t, t2.Start())
	require.NoError(t, t2.Succeed())

	select {
	case <-group.Done():
	default:
		t.Fatal("group must be done once every member reaches a terminal state")
	}
}

func TestCollapsing_SurvivorNotifiesBothGroups(t *testing.T) {
	groupA := NewTaskGroup()
	groupB := NewTaskGroup()

	survivor, err := New("ENTITY", map[string]interface{}{"id": 42}, nil, true, groupA)
	require.NoError(t, err)
	survivor.AddObserverGroup(groupB)

	require.NoError(t, survivor.Schedule())
	require.NoError(t, survivor.Start())
	require.NoError(t, survivor.Succeed())

	for _, g := range []*TaskGroup{groupA, groupB} {
		select {
		case <-g.Done():
		default:
			t.Fatal("both the original and the merged-in observer group must be notified")
		}
	}
}
