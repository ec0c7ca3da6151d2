// Package schema fetches the build-event protocol definitions at startup and
// compiles them into a lookup from fully-qualified message-type name to a
// decode/encode pair. The resulting Set is immutable and shared for the
// process lifetime; a partial schema is never accepted.
package schema

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/dynamicpb"
)

// FetchError reports an unreachable or unreadable schema source. Fatal at
// startup.
type FetchError struct {
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("beswatch: fetching schema source %q: %v", e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CompileError reports a schema source that could not be parsed or linked
// into a consistent type graph. Fatal at startup.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("beswatch: compiling schema source %q: %v", e.Source, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// MessageType is the codec pair for one registered message type.
type MessageType struct {
	desc  protoreflect.MessageDescriptor
	types *dynamicpb.Types
}

// Name returns the fully-qualified message-type name.
func (t MessageType) Name() string {
	return string(t.desc.FullName())
}

// Descriptor exposes the underlying descriptor.
func (t MessageType) Descriptor() protoreflect.MessageDescriptor {
	return t.desc
}

// New returns a fresh, empty message of this type.
func (t MessageType) New() *dynamicpb.Message {
	return dynamicpb.NewMessage(t.desc)
}

// Decode unmarshals the wire bytes into a new message. Unknown fields are
// preserved on the result so callers can distinguish a structural match from
// a lenient proto3 decode.
func (t MessageType) Decode(raw []byte) (*dynamicpb.Message, error) {
	msg := t.New()
	opts := proto.UnmarshalOptions{Resolver: t.types}
	if err := opts.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode marshals the message back to wire bytes.
func (t MessageType) Encode(msg proto.Message) ([]byte, error) {
	return proto.Marshal(msg)
}

// MarshalJSON renders the message as protojson, resolving Any payloads
// against the full schema set.
func (t MessageType) MarshalJSON(msg proto.Message) ([]byte, error) {
	opts := protojson.MarshalOptions{Resolver: t.types}
	return opts.Marshal(msg)
}

// Set is the immutable mapping from message-type name to codec pair, built
// once by Registry.Load.
type Set struct {
	byName map[string]protoreflect.MessageDescriptor
	files  *protoregistry.Files
	types  *dynamicpb.Types
}

// Lookup returns the codec pair for a fully-qualified type name.
func (s *Set) Lookup(name string) (MessageType, bool) {
	desc, ok := s.byName[name]
	if !ok {
		return MessageType{}, false
	}
	return MessageType{desc: desc, types: s.types}, true
}

// Types returns the resolver backing Any and extension resolution.
func (s *Set) Types() *dynamicpb.Types { return s.types }

// Len reports the number of registered message types.
func (s *Set) Len() int { return len(s.byName) }

// TypeNames lists every registered fully-qualified name. Order is not
// defined; intended for diagnostics.
func (s *Set) TypeNames() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	return names
}
