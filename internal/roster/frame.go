package roster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

const (
	FrameFleetUpdate   = "fleet_update"
	FrameFleetOverview = "fleet_overview"
	FrameFleetSuccess  = "fleet_success"
	FrameFleetError    = "fleet_error"
)

type Action string

const (
	ActionAdd       Action = "add"
	ActionMove      Action = "move"
	ActionRemove    Action = "remove"
	ActionUpdate    Action = "update"
	ActionFleetMeta Action = "fleet_meta"
)

// Event is one decoded frame from a fleet channel.
type Event interface {
	frameType() string
}

// Granular is an action-based fleet_update delta.
type Granular struct {
	Action  Action
	EntryID int64
	Target  Category
	Data    json.RawMessage
}

// FullReplace is the legacy fleet_update shape that carries the fleet and/or
// every column instead of an action. It is kept only for servers that still
// emit it.
type FullReplace struct {
	Fleet   *Fleet
	Columns map[Category][]Entry
}

type OverviewReplace struct {
	Overview Overview
}

type ServerError struct {
	Message string
}

type ServerSuccess struct{}

func (Granular) frameType() string        { return FrameFleetUpdate }
func (FullReplace) frameType() string     { return FrameFleetUpdate }
func (OverviewReplace) frameType() string { return FrameFleetOverview }
func (ServerError) frameType() string     { return FrameFleetError }
func (ServerSuccess) frameType() string   { return FrameFleetSuccess }

const frameSchemaURL = "fleet-frame.json"

const frameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "fleet_update"}}},
      "then": {
        "anyOf": [
          {
            "required": ["action"],
            "properties": {
              "action": {"enum": ["add", "move", "remove", "update", "fleet_meta"]},
              "entry_id": {"type": ["integer", "string", "null"]},
              "target_col": {"enum": ["pending", "logi", "dps", "sniper", "other", null]},
              "data": {"type": ["object", "null"]}
            }
          },
          {"required": ["fleet"], "properties": {"fleet": {"type": "object"}}},
          {"required": ["columns"], "properties": {"columns": {"type": "object"}}}
        ]
      }
    },
    {
      "if": {"properties": {"type": {"const": "fleet_overview"}}},
      "then": {
        "properties": {
          "member_count": {"type": "integer", "minimum": 0},
          "summary": {"type": ["object", "null"]},
          "hierarchy": {"type": ["object", "null"]}
        }
      }
    },
    {
      "if": {"properties": {"type": {"const": "fleet_error"}}},
      "then": {
        "required": ["error"],
        "properties": {"error": {"type": "string"}}
      }
    }
  ]
}`

var (
	frameSchemaOnce     sync.Once
	frameSchemaCompiled *jsonschema.Schema
	frameSchemaErr      error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchema))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(frameSchemaURL, doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchemaCompiled, frameSchemaErr = compiler.Compile(frameSchemaURL)
	})
	return frameSchemaCompiled, frameSchemaErr
}

type envelope struct {
	Type        string               `json:"type"`
	Action      Action               `json:"action"`
	EntryID     json.RawMessage      `json:"entry_id"`
	TargetCol   string               `json:"target_col"`
	Data        json.RawMessage      `json:"data"`
	Fleet       *Fleet               `json:"fleet"`
	Columns     map[Category][]Entry `json:"columns"`
	MemberCount int                  `json:"member_count"`
	Summary     map[string]int       `json:"summary"`
	Hierarchy   *Hierarchy           `json:"hierarchy"`
	Error       string               `json:"error"`
}

// DecodeFrame validates one inbound frame and decodes it. Frames that fail
// validation return ErrMalformedFrame; well-formed frames of an unrecognized
// type return ErrUnknownFrame.
func DecodeFrame(raw []byte) (Event, error) {
	schema, err := compiledFrameSchema()
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case FrameFleetUpdate:
		if env.Action == "" {
			return FullReplace{Fleet: env.Fleet, Columns: env.Columns}, nil
		}
		return decodeGranular(env)
	case FrameFleetOverview:
		return OverviewReplace{Overview: Overview{
			MemberCount: env.MemberCount,
			Summary:     env.Summary,
			Hierarchy:   env.Hierarchy,
		}}, nil
	case FrameFleetSuccess:
		return ServerSuccess{}, nil
	case FrameFleetError:
		return ServerError{Message: env.Error}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, env.Type)
	}
}

func decodeGranular(env envelope) (Event, error) {
	ev := Granular{Action: env.Action, Data: nullToNil(env.Data)}
	if env.Action != ActionFleetMeta {
		id, err := parseEntryID(env.EntryID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		ev.EntryID = id
	}
	switch env.Action {
	case ActionAdd, ActionMove:
		target, ok := ParseCategory(env.TargetCol)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires target_col", ErrMalformedFrame, env.Action)
		}
		ev.Target = target
		if ev.Data == nil {
			return nil, fmt.Errorf("%w: %s requires data", ErrMalformedFrame, env.Action)
		}
	case ActionUpdate, ActionFleetMeta:
		if ev.Data == nil {
			return nil, fmt.Errorf("%w: %s requires data", ErrMalformedFrame, env.Action)
		}
	}
	return ev, nil
}

func parseEntryID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("entry_id is required")
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
	}
	text = strings.TrimSpace(text)
	if id, err := strconv.ParseInt(text, 10, 64); err == nil {
		return id, nil
	}
	// Integral numbers written with a fraction or exponent, such as 12.0.
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("invalid entry_id %q", text)
	}
	return int64(f), nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return raw
}
