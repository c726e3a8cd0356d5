package queue

import (
	"strings"

	"github.com/rwool/blaze/pkg/service/stats"
)

// Key layout. Lists, sets and hashes never share a key, the suffixes keep
// them apart.
const (
	// Prefix is shared by every queue list key.
	Prefix = "queues/"
	// InprocSuffix marks a per-instance in-process list.
	InprocSuffix = "$INPROC"
	// InstanceSetKey is the set holding the ids of running instances.
	InstanceSetKey = InprocSuffix + "-SET"
	// DeadLetterSuffix marks the list of records that were given up on.
	DeadLetterSuffix = "$DLQ"

	listKeySeparator   = "-"
	inprocKeySeparator = "."
)

// ListKey returns the source list key for an exchange and route.
func ListKey(exchange, route string) string {
	return Prefix + exchange + listKeySeparator + route
}

// InprocKey returns the in-process list key of listKey for an instance.
func InprocKey(listKey, instanceID string) string {
	return listKey + InprocSuffix + inprocKeySeparator + instanceID
}

// DeadLetterKey returns the dead-letter list key of listKey.
func DeadLetterKey(listKey string) string {
	return listKey + DeadLetterSuffix
}

// isQueueName reports whether key is a source list rather than one of the
// structures derived from it.
func isQueueName(key string) bool {
	if !strings.HasPrefix(key, Prefix) {
		return false
	}
	for _, s := range []string{InprocSuffix, DeadLetterSuffix, stats.Suffix} {
		if strings.Contains(key, s) {
			return false
		}
	}
	return true
}
