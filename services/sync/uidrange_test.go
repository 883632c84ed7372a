package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUidRangeSet_AddCoalescesAdjacent(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 1, To: 10})
	s = s.Add(UidRange{From: 11, To: 20})

	require.Len(t, s, 1)
	assert.Equal(t, UidRange{From: 1, To: 20}, s[0])
}

func TestUidRangeSet_AddMergesOverlap(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 5, To: 15})
	s = s.Add(UidRange{From: 10, To: 30})
	s = s.Add(UidRange{From: 50, To: 60})

	require.Len(t, s, 2)
	assert.Equal(t, UidRange{From: 5, To: 30}, s[0])
	assert.Equal(t, UidRange{From: 50, To: 60}, s[1])
}

func TestUidRangeSet_AddKeepsDisjointSorted(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 40, To: 50})
	s = s.Add(UidRange{From: 1, To: 10})
	s = s.Add(UidRange{From: 20, To: 30})

	require.Len(t, s, 3)
	assert.Equal(t, uint32(1), s[0].From)
	assert.Equal(t, uint32(20), s[1].From)
	assert.Equal(t, uint32(40), s[2].From)
}

func TestUidRangeSet_UnboundedSwallowsEverythingAbove(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 10, To: 20})
	s = s.Add(UidRange{From: 100, To: 0})
	s = s.Add(UidRange{From: 150, To: 200})

	require.Len(t, s, 2)
	assert.Equal(t, UidRange{From: 10, To: 20}, s[0])
	assert.Equal(t, UidRange{From: 100, To: 0}, s[1])
	assert.True(t, s.Contains(99999))
	assert.False(t, s.Contains(99))
}

func TestUidRangeSet_Gaps(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 10, To: 20})
	s = s.Add(UidRange{From: 30, To: 40})

	gaps := s.Gaps(1, 50)
	require.Len(t, gaps, 3)
	assert.Equal(t, UidRange{From: 1, To: 9}, gaps[0])
	assert.Equal(t, UidRange{From: 21, To: 29}, gaps[1])
	assert.Equal(t, UidRange{From: 41, To: 50}, gaps[2])
}

func TestUidRangeSet_GapsFullyCovered(t *testing.T) {
	var s UidRangeSet
	s = s.Add(UidRange{From: 1, To: 100})

	assert.Empty(t, s.Gaps(1, 100))
	assert.Empty(t, s.Gaps(20, 80))
}

func TestTracker_FreshFolderIsOneGap(t *testing.T) {
	tracker := NewTracker(1234)

	intervals := tracker.UnhandledIntervals(80)
	require.Len(t, intervals, 1)
	assert.Equal(t, UidRange{From: 1, To: 80}, intervals[0])
}

func TestTracker_ResumeFetchesOnlyNewMessages(t *testing.T) {
	// Previously mirrored 1..50, server now holds 1..80.
	tracker := NewTracker(1234)
	tracker.AddHandledInterval(1, 50)

	intervals := tracker.UnhandledIntervals(80)
	require.Len(t, intervals, 1)
	assert.Equal(t, UidRange{From: 51, To: 80}, intervals[0])
}

func TestTracker_UnhandledIntervalsDescending(t *testing.T) {
	tracker := NewTracker(1)
	tracker.AddHandledInterval(10, 20)
	tracker.AddHandledInterval(40, 50)

	intervals := tracker.UnhandledIntervals(70)
	require.Len(t, intervals, 3)
	assert.Equal(t, UidRange{From: 51, To: 70}, intervals[0])
	assert.Equal(t, UidRange{From: 21, To: 39}, intervals[1])
	assert.Equal(t, UidRange{From: 1, To: 9}, intervals[2])
}

func TestTracker_ValidityResetDiscardsProgress(t *testing.T) {
	tracker := NewTracker(1234)
	tracker.AddHandledInterval(1, 50)
	tracker.SetBeginIndex(10)

	reset := tracker.CheckValidity(5678)
	assert.True(t, reset)
	assert.Equal(t, uint32(5678), tracker.Validity())
	assert.Equal(t, uint32(0), tracker.BeginIndex())

	intervals := tracker.UnhandledIntervals(50)
	require.Len(t, intervals, 1)
	assert.Equal(t, UidRange{From: 1, To: 50}, intervals[0])
}

func TestTracker_SameValidityNoReset(t *testing.T) {
	tracker := NewTracker(1234)
	tracker.AddHandledInterval(1, 50)

	assert.False(t, tracker.CheckValidity(1234))
	assert.True(t, tracker.IsHandled(25))
}

func TestTracker_BeginIndexClipsOldMessages(t *testing.T) {
	tracker := NewTracker(1)
	tracker.SetBeginIndex(30)

	intervals := tracker.UnhandledIntervals(80)
	require.Len(t, intervals, 1)
	assert.Equal(t, UidRange{From: 31, To: 80}, intervals[0])
	assert.True(t, tracker.IsHandled(30))
	assert.False(t, tracker.IsHandled(31))
}

func TestTracker_BeginIndexNeverMovesBackward(t *testing.T) {
	tracker := NewTracker(1)
	tracker.SetBeginIndex(30)
	tracker.SetBeginIndex(10)

	assert.Equal(t, uint32(30), tracker.BeginIndex())
}

func TestTracker_PersistAndRestore(t *testing.T) {
	tracker := NewTracker(777)
	tracker.AddHandledInterval(1, 50)
	tracker.AddHandledInterval(60, 70)
	tracker.SetBeginIndex(5)

	raw, err := tracker.HandledJSON()
	require.NoError(t, err)

	restored, err := LoadTracker(777, 5, raw)
	require.NoError(t, err)
	assert.Equal(t, tracker.UnhandledIntervals(100), restored.UnhandledIntervals(100))
}

func TestTracker_LoadEmptyState(t *testing.T) {
	tracker, err := LoadTracker(1, 0, "")
	require.NoError(t, err)
	assert.False(t, tracker.IsHandled(1))

	tracker, err = LoadTracker(1, 0, "[]")
	require.NoError(t, err)
	assert.False(t, tracker.IsHandled(1))
}

func TestTracker_LoadRejectsGarbage(t *testing.T) {
	_, err := LoadTracker(1, 0, "{not json")
	assert.Error(t, err)
}

func TestTracker_MarkAllHandledFrom(t *testing.T) {
	tracker := NewTracker(1)
	tracker.MarkAllHandledFrom(100)

	assert.True(t, tracker.IsHandled(100))
	assert.True(t, tracker.IsHandled(1_000_000))
	assert.False(t, tracker.IsHandled(99))

	intervals := tracker.UnhandledIntervals(500)
	require.Len(t, intervals, 1)
	assert.Equal(t, UidRange{From: 1, To: 99}, intervals[0])
}
