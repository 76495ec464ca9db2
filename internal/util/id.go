package util

import "crypto/rand"

// urlAlphabet is the nanoid URL-safe alphabet (64 symbols). Ids built from it
// are safe to embed in share links without escaping.
const urlAlphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"

const (
	SessionIDLength  = 21
	ThreadIDLength   = 21
	MessageIDLength  = 21
	OwnerTokenLength = 32
)

// NewID returns a random URL-safe identifier of the given length.
func NewID(length int) string {
	buf := make([]byte, length)
	_, _ = rand.Read(buf)
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = urlAlphabet[int(b)&63]
	}
	return string(out)
}

// NewSessionID mints an unguessable session identifier.
func NewSessionID() string { return NewID(SessionIDLength) }

// NewThreadID mints a thread identifier.
func NewThreadID() string { return NewID(ThreadIDLength) }

// NewMessageID mints a message identifier.
func NewMessageID() string { return NewID(MessageIDLength) }

// NewOwnerToken mints an owner secret, independent of any session id.
func NewOwnerToken() string { return NewID(OwnerTokenLength) }
