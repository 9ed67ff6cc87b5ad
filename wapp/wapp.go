package wapp

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Container layout constants. All multi-byte integers are little-endian.
const (
	// Magic identifies a wapp package file.
	Magic = "WAPP"
	// Version is the only container version this host understands.
	Version = 1
	// HeaderSize is the fixed prefix: magic, version, metadata length.
	HeaderSize = 12
)

// ErrMetadataTooLarge is returned by Serialize when the encoded manifest
// does not fit the container's 32-bit length field.
var ErrMetadataTooLarge = errors.New("metadata too large")

// Package is a parsed wapp container: a manifest followed by an opaque
// guest module payload. It is constructed once by Parse and never mutated.
type Package struct {
	Version  uint32
	Manifest Manifest
	Payload  []byte
}

// Parse decodes and validates a wapp container.
//
// Validation short-circuits on the first failure and never exposes a
// partial package. The payload is copied, so the input slice may be
// reused by the caller. Parse is a pure function; it does not touch the
// execution substrate.
func Parse(data []byte) (*Package, error) {
	if len(data) < HeaderSize {
		return nil, &ParseError{
			Kind: ParseErrTruncated,
			Msg:  fmt.Sprintf("file is %d bytes, need at least %d", len(data), HeaderSize),
		}
	}

	if !bytes.Equal(data[:4], []byte(Magic)) {
		return nil, &ParseError{
			Kind: ParseErrBadMagic,
			Msg:  fmt.Sprintf("magic is %q, want %q", data[:4], Magic),
		}
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, &ParseError{
			Kind: ParseErrUnsupportedVersion,
			Msg:  fmt.Sprintf("version %d, only %d is supported", version, Version),
		}
	}

	metaLen := binary.LittleEndian.Uint32(data[8:12])
	if uint64(HeaderSize)+uint64(metaLen) > uint64(len(data)) {
		return nil, &ParseError{
			Kind: ParseErrTruncated,
			Msg:  fmt.Sprintf("metadata length %d exceeds the %d bytes after the header", metaLen, len(data)-HeaderSize),
		}
	}

	manifest, err := decodeManifest(data[HeaderSize : HeaderSize+int(metaLen)])
	if err != nil {
		return nil, &ParseError{Kind: ParseErrBadMetadata, Msg: "invalid metadata", Err: err}
	}

	payload := make([]byte, len(data)-HeaderSize-int(metaLen))
	copy(payload, data[HeaderSize+int(metaLen):])

	return &Package{Version: version, Manifest: manifest, Payload: payload}, nil
}

// Serialize builds a wapp container from a manifest and a guest module
// payload. Parse(Serialize(m, p)) round-trips both.
func Serialize(m Manifest, payload []byte) ([]byte, error) {
	meta, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if uint64(len(meta)) > math.MaxUint32 {
		return nil, ErrMetadataTooLarge
	}

	buf := make([]byte, 0, HeaderSize+len(meta)+len(payload))
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(meta)))
	buf = append(buf, meta...)
	buf = append(buf, payload...)
	return buf, nil
}

// Title returns the package's display title: the manifest name when
// present and non-empty, otherwise fallback.
func (p *Package) Title(fallback string) string {
	if p.Manifest.Name != "" {
		return p.Manifest.Name
	}
	return fallback
}

// Manifest is the typed view of a package's metadata object.
//
// Loading only requires the metadata to be a JSON object; field
// constraints are enforced at authoring time via Validate. Keys this
// host does not recognize are kept in Extra and survive Serialize.
type Manifest struct {
	Name        string `json:"name,omitempty" validate:"max=128" jsonschema:"maxLength=128,description=Display name of the application"`
	Author      string `json:"author,omitempty" validate:"max=128" jsonschema:"maxLength=128,description=Author of the application"`
	Version     string `json:"version,omitempty" validate:"max=64" jsonschema:"maxLength=64,description=Application version string"`
	Description string `json:"description,omitempty" validate:"max=1024" jsonschema:"maxLength=1024,description=Short description of the application"`

	Extra map[string]any `json:"-"`
}

// validate is a package-level singleton; constructing a validator per
// call is expensive.
var validate = validator.New()

// Validate applies authoring-time constraints. Parse never calls this:
// a package with an over-long name still loads.
func (m Manifest) Validate() error {
	return validate.Struct(m)
}

// manifestKeys are the metadata keys with dedicated Manifest fields.
// String values land in the field; any other value type is preserved in
// Extra, matching the rule that unrecognized metadata is never rejected.
var manifestKeys = map[string]func(*Manifest, string){
	"name":        func(m *Manifest, s string) { m.Name = s },
	"author":      func(m *Manifest, s string) { m.Author = s },
	"version":     func(m *Manifest, s string) { m.Version = s },
	"description": func(m *Manifest, s string) { m.Description = s },
}

// UnmarshalJSON decodes a metadata object. The top-level value must be
// a JSON object; recognized keys with string values land in the typed
// fields, everything else is preserved in Extra.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var top any
	if err := json.Unmarshal(data, &top); err != nil {
		return err
	}
	obj, ok := top.(map[string]any)
	if !ok {
		return fmt.Errorf("top-level JSON value is %s, not an object", jsonTypeName(top))
	}

	*m = Manifest{}
	for k, v := range obj {
		if set, known := manifestKeys[k]; known {
			if s, isString := v.(string); isString {
				set(m, s)
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}
	return nil
}

// MarshalJSON encodes the manifest back into a metadata object, merging
// Extra with the typed fields. Non-empty typed fields win on key
// collision.
func (m Manifest) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		obj[k] = v
	}
	if m.Name != "" {
		obj["name"] = m.Name
	}
	if m.Author != "" {
		obj["author"] = m.Author
	}
	if m.Version != "" {
		obj["version"] = m.Version
	}
	if m.Description != "" {
		obj["description"] = m.Description
	}
	return json.Marshal(obj)
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if len(data) == 0 {
		return m, errors.New("empty metadata block")
	}
	if !utf8.Valid(data) {
		return m, errors.New("metadata is not valid UTF-8")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "a boolean"
	case float64:
		return "a number"
	case string:
		return "a string"
	case []any:
		return "an array"
	default:
		return "an unknown value"
	}
}
