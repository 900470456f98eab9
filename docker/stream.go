package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/pkg/jsonmessage"
)

// drainStream decodes a JSON message stream (build output, push or pull
// progress) to completion. The first frame carrying an error fails the
// stream; the remainder is still read so the engine is never left blocked.
func drainStream(r io.Reader, fn func(jsonmessage.JSONMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding stream: %w", err)
		}

		if msg.Error != nil {
			_, _ = io.Copy(io.Discard, r)
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			_, _ = io.Copy(io.Discard, r)
			return errors.New(msg.ErrorMessage)
		}

		if fn != nil {
			fn(msg)
		}
	}
}
