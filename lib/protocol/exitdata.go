package protocol

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeExitData turns a structured value (nil, bool, numbers, string,
// []byte, map[string]any, []any) into an exit payload.
func EncodeExitData(v any) ([]byte, error) {
	value, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported exit data: %w", err)
	}
	data, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exit data: %w", err)
	}
	return data, nil
}

// DecodeExitData reverses EncodeExitData. An empty payload decodes to nil.
func DecodeExitData(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	value := new(structpb.Value)
	if err := proto.Unmarshal(payload, value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exit data: %w", err)
	}
	return value.AsInterface(), nil
}
