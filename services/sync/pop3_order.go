package sync

import (
	"context"
	"sort"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/logger"
)

// InferPop3FetchOrder decides the order in which a POP3 pass fetches newly
// discovered identifiers. POP3 servers disagree on whether message numbers
// ascend or descend with message age, so the Date headers of the earliest and
// latest discovered identifiers are compared once per pass. On any failure
// the order falls back to descending, newest identifier first.
func InferPop3FetchOrder(ctx context.Context, session interfaces.InboundSession, ids []uint32, log logger.Logger) []uint32 {
	ordered := make([]uint32, len(ids))
	copy(ordered, ids)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	if len(ordered) < 2 {
		return ordered
	}

	lowest, highest := ordered[0], ordered[len(ordered)-1]

	lowDate, err := session.FetchHeaderDate(ctx, lowest)
	if err != nil {
		log.Warnf("pop3 order inference failed for id %d, falling back to descending: %v", lowest, err)
		return descending(ordered)
	}
	highDate, err := session.FetchHeaderDate(ctx, highest)
	if err != nil {
		log.Warnf("pop3 order inference failed for id %d, falling back to descending: %v", highest, err)
		return descending(ordered)
	}

	if lowDate.After(highDate) {
		// Lower identifiers are newer on this server.
		return descending(ordered)
	}
	return ordered
}

func descending(ids []uint32) []uint32 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}
