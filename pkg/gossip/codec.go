package gossip

import "encoding/json"

// Codec contract: Encode/Decode never panic or return an error to the
// caller. A malformed or unknown-kind input decodes to (nil, false); the
// transport layer treats that as a dropped datagram and logs it at debug
// level rather than treating it as fatal. Dropped datagrams are not counted
// in any metric.
//
// JSON is the wire format. encoding/json already sorts map keys when
// marshaling, and struct fields encode in declaration order, so two
// encoders given equal Go values produce byte-identical output — enough
// determinism for the snapshot checksum comparison in state.go. The spec
// accepts JSON as an explicit alternative to a MessagePack-style codec, and
// pkg/node already serializes its /info response with encoding/json, so
// this keeps the whole tree on one serialization library rather than
// introducing a second one for the wire format alone.

// Encode serializes a Message to its wire form. It reports false for a nil
// message, or when json.Marshal rejects one of the free-form metadata values
// carried in a snapshot or state update.
func Encode(msg *Message) ([]byte, bool) {
	if msg == nil {
		return nil, false
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Decode parses a wire payload into a Message. Invalid JSON, an unknown
// Kind, or a Kind missing one of its required fields all yield (nil,
// false) rather than an error.
func Decode(b []byte) (*Message, bool) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, false
	}
	if !msg.valid() {
		return nil, false
	}
	return &msg, true
}
