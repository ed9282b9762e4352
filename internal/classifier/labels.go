package classifier

import "strings"

var typeLabels = map[RequestType]string{
	Peticion:   "Petición",
	Queja:      "Queja",
	Reclamo:    "Reclamo",
	Sugerencia: "Sugerencia",
	Denuncia:   "Denuncia",
}

var typePurposes = map[RequestType]string{
	Peticion:   "solicitar información, documentos o servicios",
	Queja:      "expresar inconformidad con un servicio",
	Reclamo:    "solicitar corrección de errores o compensación",
	Sugerencia: "proponer mejoras o nuevas ideas",
	Denuncia:   "reportar irregularidades o incumplimientos",
}

var priorityLabels = map[Priority]string{
	PriorityLow:    "Baja",
	PriorityNormal: "Normal",
	PriorityHigh:   "Alta",
	PriorityUrgent: "Urgente",
}

// Label is the Spanish display name of the type.
func (t RequestType) Label() string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}

// Purpose is a short sentence fragment explaining what the type is for.
func (t RequestType) Purpose() string {
	return typePurposes[t]
}

func (t RequestType) Valid() bool {
	_, ok := typeLabels[t]
	return ok
}

// ParseRequestType accepts the wire value of a type, case-insensitively.
func ParseRequestType(s string) (RequestType, bool) {
	t := RequestType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

func (p Priority) Label() string {
	if l, ok := priorityLabels[p]; ok {
		return l
	}
	return priorityLabels[PriorityNormal]
}

func (p Priority) Valid() bool {
	_, ok := priorityLabels[p]
	return ok
}
