package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
	idspkg "github.com/drblury/rbmqflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/rbmqflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/rbmqflow/internal/runtime/metadata"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// NewMessageFromProto converts the provided proto message into a Watermill
// message carrying a ULID id, the proto full name as schema and the supplied
// metadata.
func NewMessageFromProto(event proto.Message, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	payload, err := protoJSONMarshalOptions.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return newMessage(payload, string(event.ProtoReflect().Descriptor().FullName()), metadata), nil
}

// NewMessageFromJSON encodes v as JSON into a new Watermill message. The Go
// type name is recorded as schema.
func NewMessageFromJSON(v any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if v == nil {
		return nil, errspkg.ErrPayloadRequired
	}

	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return newMessage(payload, fmt.Sprintf("%T", v), metadata), nil
}

func newMessage(payload []byte, schema string, metadata metadatapkg.Metadata) *message.Message {
	msg := message.NewMessage(idspkg.NewMessageID(), payload)
	md := metadata.Clone()
	md[metadatapkg.KeyMessageID] = msg.UUID
	md[metadatapkg.KeySchema] = schema
	md[metadatapkg.KeyContentType] = jsoncodec.ContentType
	md.Apply(msg)
	return msg
}

// SendProto marshals event with protojson and sends it to topic.
func (ch *Channel) SendProto(ctx context.Context, topic string, event proto.Message, metadata metadatapkg.Metadata) (uint64, error) {
	msg, err := NewMessageFromProto(event, metadata)
	if err != nil {
		return 0, err
	}
	return ch.Send(ctx, topic, msg)
}

// SendJSON marshals v as JSON and sends it to topic.
func (ch *Channel) SendJSON(ctx context.Context, topic string, v any, metadata metadatapkg.Metadata) (uint64, error) {
	msg, err := NewMessageFromJSON(v, metadata)
	if err != nil {
		return 0, err
	}
	return ch.Send(ctx, topic, msg)
}
