// Package classifier maps free citizen text to a PQRSD request type, a suggested
// owning entity and a priority using fixed keyword tables.
//
// Matching is plain substring search over the lowercased text: no word boundaries,
// no stemming. Keyword content is reproduced as-is; the scoring and tie-break
// rules are what callers rely on.
package classifier

import "strings"

type RequestType string

const (
	Peticion   RequestType = "peticion"
	Queja      RequestType = "queja"
	Reclamo    RequestType = "reclamo"
	Sugerencia RequestType = "sugerencia"
	Denuncia   RequestType = "denuncia"
)

// RequestTypes lists every type in tie-break order.
var RequestTypes = []RequestType{Peticion, Queja, Reclamo, Sugerencia, Denuncia}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Result is the outcome of Classify. SuggestedEntity is an entity code, empty when
// no entity keyword matched.
type Result struct {
	Type            RequestType `json:"type"`
	Confidence      float64     `json:"confidence"`
	SuggestedEntity string      `json:"suggestedEntity,omitempty"`
	Priority        Priority    `json:"priority"`
}

func (r Result) HasEntity() bool {
	return r.SuggestedEntity != ""
}

type keywordSet struct {
	key      string
	keywords []string
}

var typeKeywords = []keywordSet{
	{string(Peticion), []string{
		"solicito", "solicitud", "requiero", "necesito", "pido", "petición",
		"información", "certificado", "permiso", "autorización", "trámite",
	}},
	{string(Queja), []string{
		"queja", "molesto", "inconformidad", "mal servicio", "mala atención",
		"insatisfecho", "problema", "deficiente", "pésimo", "terrible",
	}},
	{string(Reclamo), []string{
		"reclamo", "cobro", "factura", "pago", "indebido", "error", "equivocación",
		"devolver", "reembolso", "compensación", "daño", "perjuicio",
	}},
	{string(Sugerencia), []string{
		"sugerencia", "propongo", "recomiendo", "sería bueno", "podrían", "mejorar",
		"implementar", "considerar", "idea", "propuesta",
	}},
	{string(Denuncia), []string{
		"denuncia", "denuncio", "irregularidad", "corrupción", "ilegal", "fraude",
		"abuso", "violación", "incumplimiento", "delito",
	}},
}

var entityKeywords = []keywordSet{
	{"ALCALDIA", []string{
		"alcaldía", "municipio", "gobierno", "certificado", "impuesto predial",
		"licencia", "permiso construcción", "valorización", "catastro",
	}},
	{"EPM", []string{
		"epm", "agua", "luz", "energía", "gas", "factura", "servicio público",
		"acueducto", "alcantarillado", "corte", "reconexión",
	}},
	{"METRO", []string{
		"metro", "metrocable", "tranvía", "transporte", "tarjeta cívica", "estación", "cable",
	}},
	{"POLICIA", []string{
		"policía", "seguridad", "hurto", "robo", "denuncia", "delito", "patrulla",
		"violencia", "inseguridad",
	}},
	{"SALUD", []string{
		"salud", "hospital", "médico", "cita", "medicina", "eps", "atención médica",
		"centro de salud", "urgencias",
	}},
	{"EDUCACION", []string{
		"educación", "colegio", "escuela", "matrícula", "cupo", "estudiante",
		"profesor", "jardín", "universidad",
	}},
}

// Checked in this order; the first hit decides.
var priorityKeywords = []struct {
	priority Priority
	keywords []string
}{
	{PriorityUrgent, []string{"urgente", "emergencia", "inmediato", "crítico", "grave", "peligro", "riesgo"}},
	{PriorityHigh, []string{"importante", "prioridad", "necesario", "cuanto antes", "rápido"}},
	{PriorityLow, []string{"cuando puedan", "sin prisa", "eventual", "futuro"}},
}

// EntityCodes lists the entity codes the classifier can suggest, in tie-break order.
func EntityCodes() []string {
	codes := make([]string, len(entityKeywords))
	for i, set := range entityKeywords {
		codes[i] = set.key
	}
	return codes
}

// Classify scores text against every keyword table. It never fails and always
// returns the same result for the same input.
func Classify(text string) Result {
	normalized := strings.ToLower(text)

	scores := score(normalized, typeKeywords)
	best, bestScore := pick(typeKeywords, scores)

	total := 0
	for _, s := range scores {
		total += s
	}

	confidence := 0.5
	if total > 0 {
		confidence = min(float64(bestScore)/float64(total), 1)
	}

	requestType := Peticion
	if bestScore > 0 {
		requestType = RequestType(best)
	}

	entityScores := score(normalized, entityKeywords)
	entity, entityScore := pick(entityKeywords, entityScores)
	if entityScore == 0 {
		entity = ""
	}

	return Result{
		Type:            requestType,
		Confidence:      confidence,
		SuggestedEntity: entity,
		Priority:        classifyPriority(normalized),
	}
}

// ClassifyAs runs Classify for the entity and priority suggestions but pins the
// type to one the citizen chose explicitly.
func ClassifyAs(text string, chosen RequestType) Result {
	r := Classify(text)
	r.Type = chosen
	r.Confidence = 1
	return r
}

func score(normalized string, sets []keywordSet) []int {
	scores := make([]int, len(sets))
	for i, set := range sets {
		for _, kw := range set.keywords {
			if strings.Contains(normalized, kw) {
				scores[i]++
			}
		}
	}
	return scores
}

// pick returns the strictly greatest score; earlier sets win ties.
func pick(sets []keywordSet, scores []int) (string, int) {
	bestIdx, bestScore := 0, 0
	for i, s := range scores {
		if s > bestScore {
			bestIdx, bestScore = i, s
		}
	}
	return sets[bestIdx].key, bestScore
}

func classifyPriority(normalized string) Priority {
	for _, level := range priorityKeywords {
		for _, kw := range level.keywords {
			if strings.Contains(normalized, kw) {
				return level.priority
			}
		}
	}
	return PriorityNormal
}
