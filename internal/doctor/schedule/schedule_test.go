package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetAvailableIgorRoundRobinsAcrossIdleWorkers(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Register("igor-1", "")
	table.Register("igor-2", "")

	first, ok := table.GetAvailableIgor()
	require.True(t, ok)
	table.MarkBusy(first, "plan-1")

	second, ok := table.GetAvailableIgor()
	require.True(t, ok)
	assert.NotEqual(t, first, second, "round robin must pick the other idle worker")
}

func TestGetIgorForRoutePrefersRouteSpecialized(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Register("igor", "")
	table.Register("igor-checkout", "checkout")

	id, ok := table.GetIgorForRoute("checkout")
	require.True(t, ok)
	assert.Equal(t, "igor-checkout", id)
}

func TestGetIgorForRouteFallsBackWhenRouteWorkerBusy(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Register("igor", "")
	table.Register("igor-checkout", "checkout")
	table.MarkBusy("igor-checkout", "plan-1")

	id, ok := table.GetIgorForRoute("checkout")
	require.True(t, ok)
	assert.Equal(t, "igor", id)
}

func TestOnExitedReturnsCrashedPlanAndRemovesNonDefaultIgor(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Register("igor-checkout", "checkout")
	table.MarkBusy("igor-checkout", "plan-1")

	planID, had := table.OnExited("igor-checkout")
	assert.True(t, had)
	assert.Equal(t, "plan-1", planID)
	_, ok := table.Get("igor-checkout")
	assert.False(t, ok)
}

func TestOnExitedKeepsDefaultIgorButMarksUnknown(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Register("igor", "")
	table.MarkBusy("igor", "plan-1")

	_, had := table.OnExited("igor")
	assert.True(t, had)

	i, ok := table.Get("igor")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, i.Status)
}

func TestAdmitRejectsAtMaxActivePlans(t *testing.T) {
	t.Parallel()

	require.NoError(t, Admit(1, 2))
	err := Admit(2, 2)
	require.Error(t, err)
}

func TestSelectToolBagAppendsAllDynamicToolsUnconditionally(t *testing.T) {
	t.Parallel()

	bag, _ := SelectToolBag("click the button", 2, []string{"auto_smart_selector_1"})
	var sawDynamic bool
	for _, e := range bag {
		if e.Name == "auto_smart_selector_1" {
			sawDynamic = true
			assert.True(t, e.Dynamic)
		}
	}
	assert.True(t, sawDynamic)
}
