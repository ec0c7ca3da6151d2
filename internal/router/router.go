// Package router decodes raw build-event payloads against the schema set
// and fans the result out to interested observers. One bad message never
// stops the stream: every failure class is logged, counted, and contained
// here.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/beswatch/beswatch/internal/errs"
	"github.com/beswatch/beswatch/internal/ids"
	"github.com/beswatch/beswatch/internal/jsoncodec"
	"github.com/beswatch/beswatch/internal/logging"
	"github.com/beswatch/beswatch/internal/schema"
)

// Broadcaster delivers an encoded frame to every observer interested in the
// invocation. An empty invocation id reaches wildcard observers only.
type Broadcaster interface {
	Broadcast(invocationID string, frame []byte) int
}

// DecodedEvent is the structured result of one successful decode pass.
type DecodedEvent struct {
	TypeName     string
	InvocationID string
	Sequence     uint64
	Message      *dynamicpb.Message
}

// Frame is the wire shape observers receive.
type Frame struct {
	Type         string          `json:"type"`
	InvocationID string          `json:"invocationId,omitempty"`
	Seq          uint64          `json:"seq"`
	Event        json.RawMessage `json:"event"`
}

// ackCommand is the fire-and-forget receipt published on the command
// connection.
type ackCommand struct {
	InvocationID string `json:"invocationId,omitempty"`
	Type         string `json:"type"`
	Seq          uint64 `json:"seq"`
}

// Config wires a Router.
type Config struct {
	SchemaSet *schema.Set
	// EnvelopeTypes is the fixed decode priority order.
	EnvelopeTypes []string
	// FieldPaths maps envelope types to invocation-id extraction paths.
	// Nil selects DefaultFieldPaths.
	FieldPaths FieldPaths
	Hub        Broadcaster
	// Commands is the secondary connection for acknowledgements. Nil
	// disables the ack step.
	Commands     message.Publisher
	CommandTopic string
	Logger       logging.ServiceLogger
	Metrics      *Metrics
}

// Router is the per-message decode and fan-out step. Handle is invoked
// serially by the ingester, which is what yields per-invocation ordering
// without locking here.
type Router struct {
	candidates   []schema.MessageType
	fieldPaths   FieldPaths
	hub          Broadcaster
	commands     message.Publisher
	commandTopic string
	log          logging.ServiceLogger
	metrics      *Metrics
	sequence     uint64
}

// New resolves the configured envelope types against the schema set. An
// envelope type missing from the schema is a startup error, not a runtime
// surprise.
func New(cfg Config) (*Router, error) {
	if cfg.SchemaSet == nil {
		return nil, errs.ErrSchemaSetRequired
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("beswatch: broadcaster is required")
	}
	if len(cfg.EnvelopeTypes) == 0 {
		return nil, fmt.Errorf("beswatch: at least one envelope type is required")
	}
	if cfg.Commands != nil && cfg.CommandTopic == "" {
		return nil, errs.ErrTopicRequired
	}

	candidates := make([]schema.MessageType, 0, len(cfg.EnvelopeTypes))
	for _, name := range cfg.EnvelopeTypes {
		mt, ok := cfg.SchemaSet.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("beswatch: envelope type %q not found in schema", name)
		}
		candidates = append(candidates, mt)
	}

	fieldPaths := cfg.FieldPaths
	if fieldPaths == nil {
		fieldPaths = DefaultFieldPaths
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Router{
		candidates:   candidates,
		fieldPaths:   fieldPaths,
		hub:          cfg.Hub,
		commands:     cfg.Commands,
		commandTopic: cfg.CommandTopic,
		log:          log,
		metrics:      metrics,
	}, nil
}

// Handle decodes and routes one raw message. It never propagates an error:
// the ingester Acks regardless, duplicates are passed through untouched,
// and only counters and logs record failures.
func (r *Router) Handle(msg *message.Message) {
	r.sequence++
	seq := r.sequence

	result := r.decode(msg.Payload)
	if !result.matched {
		r.metrics.UnknownType.Inc()
		r.log.Debug("Dropping message with unknown event type", logging.LogFields{
			"message_uuid": msg.UUID,
			"payload_size": len(msg.Payload),
		})
		return
	}

	event := DecodedEvent{
		TypeName: result.mt.Name(),
		Sequence: seq,
		Message:  result.msg,
	}

	if path, expected := r.fieldPaths[event.TypeName]; expected {
		if id, ok := extractByPath(result.msg.ProtoReflect(), path); ok {
			event.InvocationID = id
		} else {
			// Still delivered, but only wildcard observers will see it.
			r.metrics.MissingInvocationID.Inc()
			r.log.Debug("Decoded event carries no invocation id", logging.LogFields{
				"type": event.TypeName,
				"seq":  seq,
			})
		}
	}

	r.acknowledge(event)

	frame, err := r.encodeFrame(result.mt, event)
	if err != nil {
		r.metrics.FrameFailures.Inc()
		r.log.Error("Failed to encode event frame", err, logging.LogFields{
			"type": event.TypeName,
			"seq":  seq,
		})
		return
	}

	delivered := r.hub.Broadcast(event.InvocationID, frame)
	r.metrics.Decoded.WithLabelValues(event.TypeName).Inc()
	r.log.Trace("Routed build event", logging.LogFields{
		"type":          event.TypeName,
		"invocation_id": event.InvocationID,
		"seq":           seq,
		"delivered":     delivered,
	})
}

type decodeResult struct {
	matched bool
	mt      schema.MessageType
	msg     *dynamicpb.Message
}

// decode tries the candidate envelope types in their fixed priority order.
// A candidate matches only when unmarshalling succeeds and leaves no unknown
// fields anywhere in the tree; proto3 decoding alone is too lenient to
// disambiguate envelope types.
func (r *Router) decode(raw []byte) decodeResult {
	for _, mt := range r.candidates {
		msg, err := mt.Decode(raw)
		if err != nil {
			continue
		}
		if hasUnknownFields(msg.ProtoReflect()) {
			continue
		}
		return decodeResult{matched: true, mt: mt, msg: msg}
	}
	return decodeResult{}
}

func hasUnknownFields(msg protoreflect.Message) bool {
	if len(msg.GetUnknown()) > 0 {
		return true
	}
	unknown := false
	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		switch {
		case fd.IsMap():
			if fd.MapValue().Kind() != protoreflect.MessageKind {
				return true
			}
			v.Map().Range(func(_ protoreflect.MapKey, mv protoreflect.Value) bool {
				unknown = hasUnknownFields(mv.Message())
				return !unknown
			})
		case fd.IsList():
			if fd.Kind() != protoreflect.MessageKind {
				return true
			}
			list := v.List()
			for i := 0; i < list.Len() && !unknown; i++ {
				unknown = hasUnknownFields(list.Get(i).Message())
			}
		case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
			unknown = hasUnknownFields(v.Message())
		}
		return !unknown
	})
	return unknown
}

// acknowledge publishes the receipt command, fire-and-forget. Failure is
// logged and counted but never blocks or fails routing.
func (r *Router) acknowledge(event DecodedEvent) {
	if r.commands == nil {
		return
	}

	payload, err := jsoncodec.Marshal(ackCommand{
		InvocationID: event.InvocationID,
		Type:         event.TypeName,
		Seq:          event.Sequence,
	})
	if err == nil {
		err = r.commands.Publish(r.commandTopic, message.NewMessage(ids.CreateULID(), payload))
	}
	if err != nil {
		r.metrics.AckFailures.Inc()
		r.log.Error("Failed to publish acknowledgement command", err, logging.LogFields{
			"topic": r.commandTopic,
			"seq":   event.Sequence,
		})
	}
}

func (r *Router) encodeFrame(mt schema.MessageType, event DecodedEvent) ([]byte, error) {
	eventJSON, err := mt.MarshalJSON(event.Message)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(Frame{
		Type:         event.TypeName,
		InvocationID: event.InvocationID,
		Seq:          event.Sequence,
		Event:        json.RawMessage(eventJSON),
	})
}
