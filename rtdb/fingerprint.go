package rtdb

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// fingerprint computes a stable hash of v's serialization. Two values hash
// equal iff their serializations are byte-equal. Used by MutateEntityBody
// to decide whether a mutation actually changed anything.
//
// Per spec.md §9's Open Question on serialization failures: bodies are
// always plain JSON-marshalable structs, so a Marshal failure here
// indicates a bug in a CustomBody's Data payload (e.g. a channel or func
// value smuggled in), not a recoverable runtime condition — this panics
// rather than silently treating every mutation as a change.
func fingerprint(v any) [32]byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("rtdb: fingerprint: body is not serializable: %v", err))
	}
	return sha256.Sum256(b)
}
