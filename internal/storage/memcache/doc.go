/*
Package memcache talks to the memcached server behind memcachefs.

Two kinds of connection are used:

Client wraps a github.com/bradfitz/gomemcache client limited to one idle
connection. It serves get, set and delete for a single pool handle. A cache
miss becomes a KEY_NOT_FOUND error; every other failure, including keys
gomemcache refuses as malformed, becomes IO_ERROR.

Enumerator rebuilds the key set for directory listings. gomemcache has no
access to the introspection commands, so the enumerator opens its own TCP
connection and speaks them directly:

	-> stats items
	<- STAT items:<slab>:number <count>
	<- ...
	<- END
	-> stats cachedump <slab> 0
	<- ITEM <key> [<bytes> b; <exptime> s]
	<- ...
	<- END

Replies are read in ReadChunkSize pieces up to MaxResponseSize; a reply is
complete when it ends in END, ERROR, CLIENT_ERROR or SERVER_ERROR, or when a
short read leaves the buffer on a line boundary. Lines longer than
MaxLineLength are treated as malformed. A malformed cachedump line ends that
slab's dump without failing the listing.

The listing is a best-effort snapshot; memcached itself truncates cachedump
output at 2MB per slab class.
*/
package memcache
