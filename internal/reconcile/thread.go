package reconcile

import (
	"sort"

	"missionline/internal/domain"
)

// MergeMessage folds a confirmed message into a thread: a known id is ignored, the
// first pending entry with the same content and author is replaced in place, and
// anything else is appended.
func MergeMessage(entries []domain.ThreadEntry, m domain.Message) []domain.ThreadEntry {
	if indexConfirmed(entries, m.ID) >= 0 {
		return entries
	}
	if i := indexEcho(entries, m); i >= 0 {
		entries[i] = domain.Confirmed(m)
		return entries
	}
	return append(entries, domain.Confirmed(m))
}

// confirmSend settles the write response for the entry created under tempID.
func confirmSend(entries []domain.ThreadEntry, tempID string, m domain.Message) []domain.ThreadEntry {
	if indexConfirmed(entries, m.ID) >= 0 {
		// The echo already landed, possibly on another placeholder.
		return removeTemp(entries, tempID)
	}
	if i := indexTemp(entries, tempID); i >= 0 {
		entries[i] = domain.Confirmed(m)
		return entries
	}
	return MergeMessage(entries, m)
}

// dropFailed removes the placeholder of a failed send. When an echo of an identical
// message consumed that placeholder, one remaining identical placeholder goes instead.
func dropFailed(entries []domain.ThreadEntry, tempID string, m domain.Message) []domain.ThreadEntry {
	if indexTemp(entries, tempID) >= 0 {
		return removeTemp(entries, tempID)
	}
	if i := indexEcho(entries, m); i >= 0 {
		return append(entries[:i], entries[i+1:]...)
	}
	return entries
}

func indexConfirmed(entries []domain.ThreadEntry, id string) int {
	if id == "" {
		return -1
	}
	for i, e := range entries {
		if !e.IsPending() && e.Message.ID == id {
			return i
		}
	}
	return -1
}

func indexEcho(entries []domain.ThreadEntry, m domain.Message) int {
	for i, e := range entries {
		if e.IsPending() && e.Message.Content == m.Content && e.Message.AuthorID == m.AuthorID {
			return i
		}
	}
	return -1
}

func indexTemp(entries []domain.ThreadEntry, tempID string) int {
	for i, e := range entries {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}

func removeTemp(entries []domain.ThreadEntry, tempID string) []domain.ThreadEntry {
	if i := indexTemp(entries, tempID); i >= 0 {
		return append(entries[:i], entries[i+1:]...)
	}
	return entries
}

// LoadThread folds a full read of a thread into entries that may already hold
// pushed or pending messages. Confirmed entries end up in creation order with
// pending ones after them.
func LoadThread(entries []domain.ThreadEntry, msgs []domain.Message) []domain.ThreadEntry {
	for _, m := range msgs {
		entries = MergeMessage(entries, m)
	}
	confirmed := make([]domain.ThreadEntry, 0, len(entries))
	var pending []domain.ThreadEntry
	for _, e := range entries {
		if e.IsPending() {
			pending = append(pending, e)
		} else {
			confirmed = append(confirmed, e)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Message.CreatedAt.Before(confirmed[j].Message.CreatedAt)
	})
	return append(confirmed, pending...)
}

// Thread converts stored messages into confirmed entries.
func Thread(msgs []domain.Message) []domain.ThreadEntry {
	out := make([]domain.ThreadEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.Confirmed(m))
	}
	return out
}
