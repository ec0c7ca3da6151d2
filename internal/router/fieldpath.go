package router

import "google.golang.org/protobuf/reflect/protoreflect"

// FieldPaths maps an envelope type name to the path of the invocation
// identifier inside it. Different envelope types carry the identifier at
// different nesting depths.
type FieldPaths map[string][]string

// DefaultFieldPaths covers the two build-event envelope types. The exact
// extraction paths are a local decision: the lifecycle envelope nests the
// stream id under its build event, the tool-event stream envelope under its
// ordered event.
var DefaultFieldPaths = FieldPaths{
	"google.devtools.build.v1.PublishLifecycleEventRequest":       {"build_event", "stream_id", "invocation_id"},
	"google.devtools.build.v1.PublishBuildToolEventStreamRequest": {"ordered_build_event", "stream_id", "invocation_id"},
}

// Clone returns an independent copy.
func (p FieldPaths) Clone() FieldPaths {
	cloned := make(FieldPaths, len(p))
	for k, v := range p {
		cloned[k] = append([]string(nil), v...)
	}
	return cloned
}

// extractByPath walks singular message fields by name and returns the string
// leaf. Reports false when any segment is absent, repeated, of the wrong
// kind, or when the leaf is empty.
func extractByPath(msg protoreflect.Message, path []string) (string, bool) {
	cur := msg
	for i, segment := range path {
		fd := cur.Descriptor().Fields().ByName(protoreflect.Name(segment))
		if fd == nil || fd.IsList() || fd.IsMap() {
			return "", false
		}

		last := i == len(path)-1
		if last {
			if fd.Kind() != protoreflect.StringKind {
				return "", false
			}
			value := cur.Get(fd).String()
			return value, value != ""
		}

		if fd.Kind() != protoreflect.MessageKind || !cur.Has(fd) {
			return "", false
		}
		cur = cur.Get(fd).Message()
	}
	return "", false
}
