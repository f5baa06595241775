package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Frames are protobuf-encoded google.protobuf.Struct values: a mapping keyed by
// field name, so peers tolerate keys they do not know.
const (
	keyID      = "id"
	keyCommand = "command"
	keyResult  = "result"
	keyMessage = "message"
)

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// EncodeCommand validates cmd and serializes it to a wire frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	if err := Validate(cmd); err != nil {
		return nil, err
	}
	spec, _ := Lookup(cmd.Name)

	fields := map[string]*structpb.Value{
		keyCommand: structpb.NewStringValue(string(cmd.Name)),
	}
	if cmd.ID != "" {
		fields[keyID] = structpb.NewStringValue(cmd.ID)
	}
	for _, p := range spec.Params {
		v, ok := cmd.Params[p.Name]
		if !ok {
			continue
		}
		switch p.Kind {
		case KindInt:
			n, _ := asInt(v)
			fields[p.Name] = structpb.NewNumberValue(float64(n))
		case KindString:
			fields[p.Name] = structpb.NewStringValue(v.(string))
		}
	}

	data, err := marshalOpts.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Name, err)
	}
	return data, nil
}

// DecodeCommand parses a command frame. On ErrUnsupportedCommand or
// ErrInvalidParams the returned Command still carries ID and Name so the
// receiver can answer the right caller.
func DecodeCommand(data []byte) (Command, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	var cmd Command
	if id, ok := stringField(&s, keyID); ok {
		cmd.ID = id
	}
	name, ok := stringField(&s, keyCommand)
	if !ok || name == "" {
		return cmd, fmt.Errorf("%w: missing %q", ErrMalformedCommand, keyCommand)
	}
	cmd.Name = Name(name)

	spec, ok := Lookup(cmd.Name)
	if !ok {
		return cmd, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Name)
	}

	for _, p := range spec.Params {
		v, present := s.GetFields()[p.Name]
		if !present {
			continue
		}
		if cmd.Params == nil {
			cmd.Params = make(map[string]any, len(spec.Params))
		}
		switch p.Kind {
		case KindInt:
			num, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok || !isIntegral(num.NumberValue, maxSafeInt) {
				return cmd, fmt.Errorf("%w: %s.%s must be an integer", ErrInvalidParams, cmd.Name, p.Name)
			}
			cmd.Params[p.Name] = int64(num.NumberValue)
		case KindString:
			str, ok := v.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return cmd, fmt.Errorf("%w: %s.%s must be a string", ErrInvalidParams, cmd.Name, p.Name)
			}
			cmd.Params[p.Name] = str.StringValue
		}
	}

	if err := Validate(cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// EncodeReply serializes a reply frame.
func EncodeReply(r Reply) ([]byte, error) {
	fields := map[string]*structpb.Value{
		keyCommand: structpb.NewStringValue(string(r.Command)),
		keyResult:  structpb.NewNumberValue(float64(r.Result)),
		keyMessage: structpb.NewStringValue(r.Message),
	}
	if r.ID != "" {
		fields[keyID] = structpb.NewStringValue(r.ID)
	}
	data, err := marshalOpts.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return data, nil
}

// DecodeReply parses a reply frame. result and message are required; id and
// command are optional echoes. On ErrMalformedReply the partially decoded Reply
// is returned so the failure can still be correlated by ID.
func DecodeReply(data []byte) (Reply, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	var r Reply
	if id, ok := stringField(&s, keyID); ok {
		r.ID = id
	}
	if name, ok := stringField(&s, keyCommand); ok {
		r.Command = Name(name)
	}

	v, present := s.GetFields()[keyResult]
	if !present {
		return r, fmt.Errorf("%w: missing %q", ErrMalformedReply, keyResult)
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || !isIntegral(num.NumberValue, math.MaxInt32) {
		return r, fmt.Errorf("%w: %q must be an integer", ErrMalformedReply, keyResult)
	}

	msg, present := s.GetFields()[keyMessage]
	if !present {
		return r, fmt.Errorf("%w: missing %q", ErrMalformedReply, keyMessage)
	}
	str, ok := msg.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return r, fmt.Errorf("%w: %q must be a string", ErrMalformedReply, keyMessage)
	}

	r.Result = int(num.NumberValue)
	r.Message = str.StringValue
	return r, nil
}

func stringField(s *structpb.Struct, key string) (string, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", false
	}
	str, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}
