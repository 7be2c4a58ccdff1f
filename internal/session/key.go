package session

import "strings"

const keySeparator = "_"

var channelEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// ResolveSessionKey derives the mapping key for a conversation location.
// Threaded locations are scoped to the thread, everything else to the
// channel. The channel part is escaped so distinct (channel, thread) pairs
// never share a key.
func ResolveSessionKey(channel, thread string) string {
	c := channelEscaper.Replace(channel)
	if thread == "" {
		return c
	}
	return c + keySeparator + thread
}
