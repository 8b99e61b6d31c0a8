// Package idcodec encodes the per-namespace monotonic sequence counter into
// the short, URL-safe id suffix used as part of an entity's $id (ns/shortId).
// There is no third-party library in the dependency set that does base-N
// integer encoding with a custom alphabet; this is a ~30 line leaf algorithm
// with no I/O, so it is implemented directly against the standard library
// (see DESIGN.md).
package idcodec

import (
	"fmt"
	"strings"
)

// alphabet is ordered so the encoding is monotonic: encoding preserves the
// ordering of the underlying integers for equal-length outputs, and shorter
// outputs always sort before longer ones when compared by length first.
// It deliberately excludes visually ambiguous characters (0/O, 1/I/l).
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const base = int64(len(alphabet))

// MaxLen is the longest shortId this package will ever produce for a
// non-negative int64 sequence value. Values below 57^10 (about 3.6e17)
// encode in at most 10 characters; larger int64 values take 11.
const MaxLen = 11

// Encode converts a non-negative sequence counter value into its short-id
// string. Encode(0) returns the alphabet's first character, never empty.
func Encode(seq int64) string {
	if seq < 0 {
		panic(fmt.Sprintf("idcodec: negative sequence value %d", seq))
	}
	if seq == 0 {
		return string(alphabet[0])
	}

	var buf [MaxLen]byte
	pos := len(buf)
	n := seq
	for n > 0 {
		pos--
		buf[pos] = alphabet[n%base]
		n /= base
	}
	return string(buf[pos:])
}

// Decode parses a short-id string back into its sequence counter value.
// It returns an error if the string contains characters outside the alphabet.
func Decode(shortID string) (int64, error) {
	if shortID == "" {
		return 0, fmt.Errorf("idcodec: empty shortId")
	}

	var value int64
	for _, r := range shortID {
		idx := strings.IndexRune(alphabet, r)
		if idx < 0 {
			return 0, fmt.Errorf("idcodec: invalid character %q in shortId %q", r, shortID)
		}
		value = value*base + int64(idx)
	}
	return value, nil
}

// Successor returns the shortId of seq+1, the id that follows shortID in
// allocation order.
func Successor(shortID string) (string, error) {
	seq, err := Decode(shortID)
	if err != nil {
		return "", err
	}
	return Encode(seq + 1), nil
}
