// Package conversation defines the persisted dialogue state of a chat user.
//
// Each step of a conversation has its own State variant carrying exactly the
// fields that step needs. The store only ever sees the (step, JSON) pair produced
// by Encode and turns it back into a variant with Decode.
package conversation

import (
	"encoding/json"
	"fmt"

	"github.com/medellinbot/medellinbot/internal/classifier"
)

type Kind string

const (
	KindPQRSD  Kind = "pqrsd_creation"
	KindSearch Kind = "procedure_search"
)

type Step string

const (
	StepSelectType            Step = "select_type"
	StepAwaitingDescription   Step = "awaiting_description"
	StepConfirmClassification Step = "confirm_classification"
	StepAwaitingPersonalInfo  Step = "awaiting_personal_info"
	StepAwaitingSearchQuery   Step = "awaiting_search_query"
)

// Kind returns the conversation kind a step belongs to.
func (s Step) Kind() Kind {
	if s == StepAwaitingSearchQuery {
		return KindSearch
	}
	return KindPQRSD
}

// State is the closed set of per-step conversation payloads.
type State interface {
	Step() Step
	isState()
}

// SelectType waits for one of the five type buttons. Description survives a
// "change type" from the confirmation step.
type SelectType struct {
	Description string `json:"description,omitempty"`
}

// AwaitingDescription waits for the free-text description.
type AwaitingDescription struct {
	SelectedType classifier.RequestType `json:"selectedType,omitempty"`
	Description  string                 `json:"description,omitempty"`
}

type ConfirmClassification struct {
	Description    string            `json:"description"`
	Classification classifier.Result `json:"classification"`
}

type AwaitingPersonalInfo struct {
	Description    string            `json:"description"`
	Classification classifier.Result `json:"classification"`
}

type AwaitingSearchQuery struct{}

func (SelectType) Step() Step            { return StepSelectType }
func (AwaitingDescription) Step() Step   { return StepAwaitingDescription }
func (ConfirmClassification) Step() Step { return StepConfirmClassification }
func (AwaitingPersonalInfo) Step() Step  { return StepAwaitingPersonalInfo }
func (AwaitingSearchQuery) Step() Step   { return StepAwaitingSearchQuery }

func (SelectType) isState()            {}
func (AwaitingDescription) isState()   {}
func (ConfirmClassification) isState() {}
func (AwaitingPersonalInfo) isState()  {}
func (AwaitingSearchQuery) isState()   {}

// Encode serializes a state into its step and JSON context.
func Encode(s State) (Step, []byte, error) {
	if s == nil {
		return "", nil, fmt.Errorf("encode state: nil state")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", nil, fmt.Errorf("encode state %s: %w", s.Step(), err)
	}
	return s.Step(), data, nil
}

// Decode rebuilds the variant stored for step. Empty context decodes to the zero variant.
func Decode(step Step, data []byte) (State, error) {
	var s State
	switch step {
	case StepSelectType:
		var v SelectType
		if err := unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", step, err)
		}
		s = v
	case StepAwaitingDescription:
		var v AwaitingDescription
		if err := unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", step, err)
		}
		s = v
	case StepConfirmClassification:
		var v ConfirmClassification
		if err := unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", step, err)
		}
		s = v
	case StepAwaitingPersonalInfo:
		var v AwaitingPersonalInfo
		if err := unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", step, err)
		}
		s = v
	case StepAwaitingSearchQuery:
		s = AwaitingSearchQuery{}
	default:
		return nil, fmt.Errorf("decode state: unknown step %q", step)
	}
	return s, nil
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
