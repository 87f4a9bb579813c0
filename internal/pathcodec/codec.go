// Package pathcodec converts database-stored path bytes into filesystem
// paths and back, without touching the filesystem.
//
// Path bytes are stored exactly as observed on the source filesystem, which
// may include non-UTF-8 byte sequences and literal escape characters left
// over from legacy filesystem metadata (HFS+ directories store literal
// two-character "\r"/"\n" sequences where the real path contains a control
// character). Decode renders those bytes into a string usable for syscalls
// while preserving every other byte exactly; Encode reverses it for raw
// bytes that contain no CR or LF byte of their own.
//
// No normalization, no case-folding: Encode(Decode(b)) == b for every b
// without a raw CR or LF byte.
package pathcodec

import "strings"

// Decode converts raw path bytes from the database into a string usable in
// filesystem syscalls, translating literal "\r" and "\n" two-byte escape
// sequences into their single-byte control-character equivalents. Invalid
// UTF-8 byte sequences are preserved verbatim: Go strings are just byte
// sequences, so no transcoding occurs.
func Decode(raw []byte) string {
	if !containsEscape(raw) {
		return string(raw)
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			switch raw[i+1] {
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(raw[i])
	}
	return b.String()
}

// Encode is the inverse of Decode: it re-escapes literal carriage return and
// line feed control characters back into two-byte "\r"/"\n" sequences.
// Every other byte, including any backslash not produced by Decode, passes
// through unchanged — Decode never touched those bytes, so Encode must not
// either, or the round trip would drift.
//
// Encode(Decode(raw)) == raw for any raw byte string read from the path
// table that contains no raw CR or LF byte (such a byte comes back as its
// two-byte escape), which is the round-trip property spec.md §8 ("Path
// fidelity") requires.
func Encode(s string) []byte {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	return []byte(b.String())
}

// containsEscape reports whether raw contains a backslash, the only byte
// that can start an escape sequence Decode would act on. This lets the
// common case (no escapes at all) skip the builder entirely.
func containsEscape(raw []byte) bool {
	for _, c := range raw {
		if c == '\\' {
			return true
		}
	}
	return false
}

// StripLeadingSlash removes a single leading '/' from a decoded path, as
// required when joining it under archive_root (spec.md §4.6).
func StripLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}
