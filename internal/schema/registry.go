package schema

// FieldKind is the wire type of a payload field after JSON decoding.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindInt     FieldKind = "int"
	KindFloat   FieldKind = "float"
	KindBool    FieldKind = "bool"
	KindStrings FieldKind = "string_list"
)

// FieldSpec describes one payload field of an event type's sub-schema.
type FieldSpec struct {
	Name     string
	Kind     FieldKind
	Required bool
	MaxLen   int // string byte limit; 0 means the default limit
}

// DefaultMaxFieldLen bounds string payload fields that declare no explicit
// limit.
const DefaultMaxFieldLen = 1024

const maxPathLen = 4096

// registryV1 is schema version 1. The enumeration is closed: an event whose
// type is absent from the active registry is rejected at the boundary.
var registryV1 = map[EventType][]FieldSpec{
	EventFileCreate: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "extension", Kind: KindString},
		{Name: "size", Kind: KindInt},
	},
	EventFileModify: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "extension", Kind: KindString},
		{Name: "entropy_before", Kind: KindFloat},
		{Name: "entropy_after", Kind: KindFloat},
	},
	EventFileRename: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "old_path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "extension", Kind: KindString},
		{Name: "entropy_before", Kind: KindFloat},
		{Name: "entropy_after", Kind: KindFloat},
	},
	EventFileDelete: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
	},
	EventFileMassDelete: {
		{Name: "directory", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "count", Kind: KindInt, Required: true},
	},
	EventFileCanary: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "pid", Kind: KindInt, Required: true},
	},
	EventProcessExec: {
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "ppid", Kind: KindInt},
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "argv", Kind: KindString, MaxLen: 8192},
		{Name: "user", Kind: KindString},
	},
	EventProcessExit: {
		{Name: "pid", Kind: KindInt, Required: true},
		{Name: "exit_code", Kind: KindInt},
	},
	EventNetworkConnect: {
		{Name: "pid", Kind: KindInt},
		{Name: "dest_ip", Kind: KindString, Required: true},
		{Name: "dest_port", Kind: KindInt, Required: true},
		{Name: "protocol", Kind: KindString},
		{Name: "direction", Kind: KindString},
	},
	EventAuthSSHLogin: {
		{Name: "user", Kind: KindString, Required: true},
		{Name: "source_ip", Kind: KindString, Required: true},
		{Name: "success", Kind: KindBool, Required: true},
		{Name: "method", Kind: KindString},
	},
	EventAuthAccountChange: {
		{Name: "user", Kind: KindString, Required: true},
		{Name: "change", Kind: KindString, Required: true},
	},
	EventCronChange: {
		{Name: "path", Kind: KindString, Required: true, MaxLen: maxPathLen},
		{Name: "user", Kind: KindString},
	},
	EventAlertRansomware: {
		{Name: "detector", Kind: KindString, Required: true},
		{Name: "rationale", Kind: KindString, Required: true, MaxLen: 4096},
		{Name: "confidence", Kind: KindFloat, Required: true},
		{Name: "evidence", Kind: KindStrings, Required: true},
		{Name: "correlation_depth", Kind: KindInt, Required: true},
		{Name: "pid", Kind: KindInt},
	},
	EventAlertIntrusion: {
		{Name: "detector", Kind: KindString, Required: true},
		{Name: "rationale", Kind: KindString, Required: true, MaxLen: 4096},
		{Name: "confidence", Kind: KindFloat, Required: true},
		{Name: "evidence", Kind: KindStrings, Required: true},
		{Name: "correlation_depth", Kind: KindInt, Required: true},
	},
}

// PayloadSpec returns the payload sub-schema for an event type in the
// active schema version. The second return is false for unregistered types.
func PayloadSpec(t EventType) ([]FieldSpec, bool) {
	spec, ok := registryV1[t]
	return spec, ok
}

// RegisteredTypes returns all event types in the active schema version.
func RegisteredTypes() []EventType {
	types := make([]EventType, 0, len(registryV1))
	for t := range registryV1 {
		types = append(types, t)
	}
	return types
}
