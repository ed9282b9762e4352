package bot

import (
	"strings"

	"github.com/medellinbot/medellinbot/internal/classifier"
)

// ActionKind is the closed set of button actions the bot understands.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionMainMenu
	ActionProceduresMenu
	ActionSearchProcedure
	ActionEntity
	ActionProcedure
	ActionPQRSDMenu
	ActionPQRSDType
	ActionConfirmYes
	ActionConfirmNo
	ActionTrackMenu
	ActionProgramsMenu
	ActionProgram
	ActionHelp
	ActionCancelPQRSD
	ActionCancelSearch
)

var actionNames = map[ActionKind]string{
	ActionUnknown:         "unknown",
	ActionMainMenu:        "main_menu",
	ActionProceduresMenu:  "procedures_menu",
	ActionSearchProcedure: "search_procedure",
	ActionEntity:          "entity",
	ActionProcedure:       "procedure",
	ActionPQRSDMenu:       "pqrsd_menu",
	ActionPQRSDType:       "pqrsd_type",
	ActionConfirmYes:      "confirm_yes",
	ActionConfirmNo:       "confirm_no",
	ActionTrackMenu:       "track_menu",
	ActionProgramsMenu:    "programs_menu",
	ActionProgram:         "program",
	ActionHelp:            "help",
	ActionCancelPQRSD:     "cancel_pqrsd",
	ActionCancelSearch:    "cancel_search",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return "unknown"
}

// Wire payloads carried in button callback data.
const (
	payloadMainMenu        = "menu_main"
	payloadProceduresMenu  = "menu_procedures"
	payloadSearchProcedure = "search_procedure"
	payloadPQRSDMenu       = "menu_pqrsd"
	payloadConfirmYes      = "confirm_classification_yes"
	payloadConfirmNo       = "confirm_classification_no"
	payloadTrackMenu       = "menu_track"
	payloadProgramsMenu    = "menu_programs"
	payloadHelp            = "menu_help"
	payloadCancelPQRSD     = "cancel_pqrsd"
	payloadCancelSearch    = "cancel_search"

	prefixEntity    = "entity_"
	prefixProcedure = "proc_"
	prefixPQRSDType = "pqrsd_type_"
	prefixProgram   = "program_"
)

var exactPayloads = map[string]ActionKind{
	payloadMainMenu:        ActionMainMenu,
	payloadProceduresMenu:  ActionProceduresMenu,
	payloadSearchProcedure: ActionSearchProcedure,
	payloadPQRSDMenu:       ActionPQRSDMenu,
	payloadConfirmYes:      ActionConfirmYes,
	payloadConfirmNo:       ActionConfirmNo,
	payloadTrackMenu:       ActionTrackMenu,
	payloadProgramsMenu:    ActionProgramsMenu,
	payloadHelp:            ActionHelp,
	payloadCancelPQRSD:     ActionCancelPQRSD,
	payloadCancelSearch:    ActionCancelSearch,
}

// Action is a decoded button press. Arg carries the entity code, procedure
// id, program id or request type for the parameterized kinds.
type Action struct {
	Kind ActionKind
	Arg  string
}

// DecodeAction parses a callback payload. Anything it does not recognize,
// including parameterized payloads with an empty or invalid argument, decodes
// to ActionUnknown.
func DecodeAction(payload string) Action {
	if kind, ok := exactPayloads[payload]; ok {
		return Action{Kind: kind}
	}

	switch {
	case strings.HasPrefix(payload, prefixPQRSDType):
		t, ok := classifier.ParseRequestType(strings.TrimPrefix(payload, prefixPQRSDType))
		if !ok {
			return Action{Kind: ActionUnknown}
		}
		return Action{Kind: ActionPQRSDType, Arg: string(t)}
	case strings.HasPrefix(payload, prefixEntity):
		return withArg(ActionEntity, strings.ToUpper(strings.TrimPrefix(payload, prefixEntity)))
	case strings.HasPrefix(payload, prefixProcedure):
		return withArg(ActionProcedure, strings.TrimPrefix(payload, prefixProcedure))
	case strings.HasPrefix(payload, prefixProgram):
		return withArg(ActionProgram, strings.TrimPrefix(payload, prefixProgram))
	}
	return Action{Kind: ActionUnknown}
}

func withArg(kind ActionKind, arg string) Action {
	if arg == "" {
		return Action{Kind: ActionUnknown}
	}
	return Action{Kind: kind, Arg: arg}
}

// Payload encodes a back into its callback data. Unknown actions encode to "".
func (a Action) Payload() string {
	switch a.Kind {
	case ActionEntity:
		return prefixEntity + a.Arg
	case ActionProcedure:
		return prefixProcedure + a.Arg
	case ActionPQRSDType:
		return prefixPQRSDType + a.Arg
	case ActionProgram:
		return prefixProgram + a.Arg
	}
	for payload, kind := range exactPayloads {
		if kind == a.Kind {
			return payload
		}
	}
	return ""
}
