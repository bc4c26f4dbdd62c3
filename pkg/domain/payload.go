package domain

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// MarshalPayload encodes a command or event payload. Protobuf messages are
// encoded with protojson so that every payload in the log is JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, New(CodeInvalidPayload, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	case proto.Message:
		data, err := protojson.Marshal(p)
		if err != nil {
			return nil, Wrap(CodeInvalidPayload, "encode protobuf payload", err)
		}
		return data, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, Wrap(CodeInvalidPayload, "encode payload", err)
		}
		return data, nil
	}
}

// UnmarshalPayload decodes data into v. An empty payload leaves v untouched.
func UnmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if m, ok := v.(proto.Message); ok {
		if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, m); err != nil {
			return Wrap(CodeInvalidPayload, "decode protobuf payload", err)
		}
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Wrap(CodeInvalidPayload, "decode payload", err)
	}
	return nil
}
