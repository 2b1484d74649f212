package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope is the only shape written to a client. Type is left out for
// frames that could not be parsed far enough to know their type.
type Envelope struct {
	Success bool   `json:"success"`
	Type    string `json:"type,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EncodeData builds a success frame.
func EncodeData(typ string, data any) ([]byte, error) {
	b, err := json.Marshal(Envelope{Success: true, Type: typ, Data: data})
	return b, errors.Wrapf(err, "encode %s", typ)
}

// EncodeError builds a failure frame.
func EncodeError(typ, msg string) []byte {
	// a struct of strings and a bool always marshals
	b, _ := json.Marshal(Envelope{Success: false, Type: typ, Error: msg})
	return b
}
