package durably

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"strings"

	"go.uber.org/zap"
)

// serialize encodes a value for durable storage. nil stays nil, an empty
// string is stored as itself (no gob round-trip needed for the common
// "no payload" case), everything else is gob-encoded then base64-encoded so
// it is safe to store in a text column.
func serialize(data any) (*string, error) {
	if data == nil {
		return nil, nil
	}
	if s, ok := data.(string); ok && s == "" {
		empty := ""
		return &empty, nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, wrapError(KindSerializationFailure, "encode value", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return &encoded, nil
}

// deserialize is the inverse of serialize.
func deserialize(data *string) (any, error) {
	if data == nil {
		return nil, nil
	}
	if *data == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(*data)
	if err != nil {
		return nil, wrapError(KindSerializationFailure, "decode base64", err)
	}

	var out any
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&out); err != nil {
		return nil, wrapError(KindSerializationFailure, "decode gob", err)
	}
	return out, nil
}

// safeGobRegister registers value's concrete type for gob, swallowing the
// harmless "duplicate registration" panic gob raises when the same type (or
// name) is registered more than once across repeated RegisterWorkflow calls.
func safeGobRegister(value any, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			msg, ok := r.(string)
			if !ok {
				panic(r)
			}
			if strings.Contains(msg, "gob: registering duplicate types for") ||
				strings.Contains(msg, "gob: registering duplicate names for") {
				if logger != nil {
					logger.Debug("ignoring duplicate gob registration", zap.String("detail", msg))
				}
				return
			}
			panic(r)
		}
	}()
	gob.Register(value)
}
