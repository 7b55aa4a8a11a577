package twitter

import (
	"encoding/json"

	"github.com/c360/filterstream/stream"
)

// DecodeEnvelope decodes one filtered stream line into a stream envelope.
// It satisfies stream.Decoder[Tweet].
func DecodeEnvelope(line []byte) (stream.Envelope[Tweet], error) {
	var wire streamLine
	if err := json.Unmarshal(line, &wire); err != nil {
		return stream.Envelope[Tweet]{}, err
	}

	env := stream.Envelope[Tweet]{Data: wire.Data}
	if len(wire.Errors) > 0 {
		env.Errors = make([]stream.Problem, len(wire.Errors))
		for i, p := range wire.Errors {
			env.Errors[i] = p.toProblem()
		}
	}
	return env, nil
}

var _ stream.Decoder[Tweet] = DecodeEnvelope
