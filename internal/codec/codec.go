// Package codec defines the wire serialization collaborator (spec.md §1:
// "serialization — opaque to the core, pluggable"). Every message type the
// paxos and membership packages define is a plain exported struct for
// exactly this reason: any Codec implementation can marshal them without
// reflection tricks or custom (Un)MarshalBinary methods.
package codec

// Codec converts a message to and from its wire representation. Decode is
// given a zero-value pointer of the expected type so codecs that need a
// concrete destination (e.g. encoding/gob) don't have to guess it from the
// bytes alone.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}
