package sync

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// UidRange is a closed interval of message identifiers. A zero To marks the
// interval as unbounded above.
type UidRange struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

func (r UidRange) Unbounded() bool {
	return r.To == 0
}

func (r UidRange) upper() uint32 {
	if r.Unbounded() {
		return math.MaxUint32
	}
	return r.To
}

func (r UidRange) Contains(uid uint32) bool {
	return uid >= r.From && uid <= r.upper()
}

// UidRangeSet holds sorted, disjoint, non-adjacent ranges. The zero value is
// an empty set ready for use.
type UidRangeSet []UidRange

// Add inserts a range and coalesces it with any overlapping or adjacent
// neighbors, preserving sort order and disjointness.
func (s UidRangeSet) Add(r UidRange) UidRangeSet {
	if r.From == 0 {
		r.From = 1
	}
	merged := UidRange{From: r.From, To: r.To}
	out := make(UidRangeSet, 0, len(s)+1)
	for _, existing := range s {
		entirelyBelow := existing.upper() != math.MaxUint32 && existing.upper()+1 < merged.From
		entirelyAbove := merged.upper() != math.MaxUint32 && existing.From > merged.upper()+1
		if entirelyBelow || entirelyAbove {
			out = append(out, existing)
			continue
		}
		// Overlapping or adjacent: fold into the merged range.
		if existing.From < merged.From {
			merged.From = existing.From
		}
		if existing.Unbounded() || merged.Unbounded() {
			merged.To = 0
		} else if existing.To > merged.To {
			merged.To = existing.To
		}
	}
	out = append(out, merged)
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

func (s UidRangeSet) Contains(uid uint32) bool {
	for _, r := range s {
		if r.Contains(uid) {
			return true
		}
	}
	return false
}

// Gaps returns the sub-intervals of [from, to] not covered by the set, in
// ascending order.
func (s UidRangeSet) Gaps(from, to uint32) []UidRange {
	if from == 0 {
		from = 1
	}
	if to < from {
		return nil
	}
	var gaps []UidRange
	cursor := from
	for _, r := range s {
		if r.upper() < cursor {
			continue
		}
		if r.From > to {
			break
		}
		if r.From > cursor {
			gaps = append(gaps, UidRange{From: cursor, To: r.From - 1})
		}
		if r.upper() >= to {
			return gaps
		}
		cursor = r.upper() + 1
	}
	if cursor <= to {
		gaps = append(gaps, UidRange{From: cursor, To: to})
	}
	return gaps
}

// Tracker records which message identifiers of one folder have been mirrored,
// guarded by the folder's validity token. Ranges survive restarts as JSON.
type Tracker struct {
	validity   uint32
	beginIndex uint32
	handled    UidRangeSet
}

func NewTracker(validity uint32) *Tracker {
	return &Tracker{validity: validity}
}

// LoadTracker restores a tracker from its persisted form.
func LoadTracker(validity, beginIndex uint32, handledJSON string) (*Tracker, error) {
	t := &Tracker{validity: validity, beginIndex: beginIndex}
	if handledJSON == "" || handledJSON == "[]" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(handledJSON), &t.handled); err != nil {
		return nil, errors.Wrap(err, "failed to decode handled ranges")
	}
	sort.Slice(t.handled, func(i, j int) bool { return t.handled[i].From < t.handled[j].From })
	return t, nil
}

func (t *Tracker) Validity() uint32 {
	return t.validity
}

func (t *Tracker) BeginIndex() uint32 {
	return t.beginIndex
}

// CheckValidity compares the remote validity token against the recorded one.
// On mismatch all local progress is discarded and the tracker restarts from
// scratch under the new token. Returns true when a reset happened.
func (t *Tracker) CheckValidity(validity uint32) bool {
	if validity == t.validity {
		return false
	}
	t.validity = validity
	t.beginIndex = 0
	t.handled = nil
	return true
}

// AddHandledInterval marks [from, to] as mirrored.
func (t *Tracker) AddHandledInterval(from, to uint32) {
	t.handled = t.handled.Add(UidRange{From: from, To: to})
}

// MarkAllHandledFrom marks [from, inf) as mirrored.
func (t *Tracker) MarkAllHandledFrom(from uint32) {
	t.handled = t.handled.Add(UidRange{From: from, To: 0})
}

// SetBeginIndex records that identifiers at or below uid are out of scope,
// typically because their messages predate the configured begin date. They
// are treated as handled from then on.
func (t *Tracker) SetBeginIndex(uid uint32) {
	if uid > t.beginIndex {
		t.beginIndex = uid
	}
}

func (t *Tracker) IsHandled(uid uint32) bool {
	if uid <= t.beginIndex {
		return true
	}
	return t.handled.Contains(uid)
}

// UnhandledIntervals returns the gaps between handled ranges, clipped to
// (beginIndex, maxUid], ordered descending so newer messages are fetched
// first.
func (t *Tracker) UnhandledIntervals(maxUid uint32) []UidRange {
	if maxUid == 0 {
		return nil
	}
	floor := t.beginIndex + 1
	gaps := t.handled.Gaps(floor, maxUid)
	for i, j := 0, len(gaps)-1; i < j; i, j = i+1, j-1 {
		gaps[i], gaps[j] = gaps[j], gaps[i]
	}
	return gaps
}

// HandledJSON serializes the handled set for persistence.
func (t *Tracker) HandledJSON() (string, error) {
	if len(t.handled) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(t.handled)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode handled ranges")
	}
	return string(raw), nil
}
