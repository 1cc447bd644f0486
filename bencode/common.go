// This package defines the bencode encoding used for every entity the stores persist. Struct fields are mapped to
// dictionary keys with `bencode:".."` tags; fields tagged `bencode:"-"` are skipped.
//
// Nil pointers are omitted when encoding and missing keys leave the field at its zero value when decoding, which is
// how optional and variant fields are expressed. Empty byte strings, lists and dictionaries decode to nil.
package bencode

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)

const tagName = "bencode"

func fieldTag(tag string) (string, bool) {
	if tag == "" || tag == "-" {
		return "", false
	}
	return tag, true
}
