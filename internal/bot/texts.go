package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/medellinbot/medellinbot/internal/channel"
	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/store"
)

const (
	textWelcome = "¡Bienvenido a MedellínBot! 🏙️\n\n" +
		"Soy tu asistente virtual para trámites y servicios de la ciudad de Medellín.\n\n" +
		"¿En qué puedo ayudarte hoy?"

	textMainMenu = "🏙️ *MedellínBot - Menú Principal*\n\n¿En qué puedo ayudarte hoy?"

	textProceduresMenu = "📋 Selecciona la entidad para ver sus trámites disponibles o busca un trámite específico:"

	textSearchPrompt = "🔍 *Buscar Trámite*\n\n" +
		"Escribe palabras clave relacionadas con el trámite que buscas.\n\n" +
		"Ejemplos:\n" +
		"• \"certificado residencia\"\n" +
		"• \"conexión agua\"\n" +
		"• \"tarjeta metro\"\n" +
		"• \"denuncia hurto\""

	textNoProcedures      = "No se encontraron trámites. Intenta con otras palabras clave."
	textNoSearchResults   = "No se encontraron trámites con esas palabras clave. Intenta con otros términos."
	textPQRSDStart        = "📝 *Crear PQRSD*\n\nPrimero, selecciona el tipo de solicitud que deseas realizar:"
	textDescriptionShort  = "❌ La descripción es muy corta. Por favor proporciona más detalles (mínimo 20 caracteres)."
	textPersonalInfoShort = "❌ Por favor proporciona todos los datos requeridos en líneas separadas:\n1. Nombre\n2. Cédula\n3. Email\n4. Teléfono\n5. Dirección"
	textInvalidEmail      = "❌ El correo electrónico no tiene un formato válido. Por favor intenta de nuevo con todos los datos."
	textInvalidPhone      = "❌ El teléfono debe ser un número celular colombiano válido (10 dígitos comenzando con 3)."
	textInvalidCitizenID  = "❌ El número de cédula debe contener entre 6 y 12 dígitos."
	textCreateFailed      = "❌ Hubo un error al crear tu solicitud. Por favor intenta de nuevo más tarde."

	textPersonalInfoPrompt = "Para continuar, necesito tus datos personales:\n\n" +
		"Por favor proporciona en este orden:\n" +
		"• Nombre completo\n" +
		"• Número de cédula\n" +
		"• Correo electrónico\n" +
		"• Teléfono de contacto\n" +
		"• Dirección\n\n" +
		"*Ejemplo:*\n" +
		"Juan Pérez García\n" +
		"1234567890\n" +
		"juan.perez@email.com\n" +
		"3001234567\n" +
		"Calle 50 #45-30, Medellín"

	textTrackPrompt   = "🔍 *Rastrear Solicitud*\n\nPor favor, envía el número de radicado de tu solicitud.\n\nEjemplo: MED-ABC123-XYZ4"
	textTrackNotFound = "❌ No se encontró ninguna solicitud con ese número de radicado. Verifica e intenta de nuevo."
	textNoPrograms    = "No hay programas sociales disponibles en este momento."
	textProgramsMenu  = "🎯 *Programas Sociales Disponibles*\n\nSelecciona un programa para ver más información:"
	textTryLater      = "❌ Ocurrió un error. Por favor intenta de nuevo más tarde."

	textHelp = "ℹ️ *Ayuda - MedellínBot*\n\n" +
		"*¿Qué puedo hacer?*\n\n" +
		"📋 *Consultar Trámites*\n" +
		"Busca información sobre trámites y procedimientos de diferentes entidades de Medellín.\n\n" +
		"📝 *Crear PQRSD*\n" +
		"Registra peticiones, quejas, reclamos, sugerencias o denuncias. Recibirás un número de radicado para hacer seguimiento.\n\n" +
		"🔍 *Rastrear Solicitud*\n" +
		"Consulta el estado de tus solicitudes usando el número de radicado.\n\n" +
		"🎯 *Programas Sociales*\n" +
		"Conoce los programas sociales disponibles y sus requisitos.\n\n" +
		"*¿Necesitas más ayuda?*\n" +
		"Contacta con la línea de atención: (604) 385 5555"

	alertSessionExpired   = "Sesión expirada. Inicia de nuevo."
	alertEntityNotFound   = "Entidad no encontrada"
	alertProcedureMissing = "Trámite no encontrado"
	alertProgramMissing   = "Programa no encontrado"
	alertUnavailable      = "Servicio no disponible. Intenta más tarde."

	notAvailable = "No disponible"
)

var typeIcons = map[classifier.RequestType]string{
	classifier.Peticion:   "📄",
	classifier.Queja:      "😟",
	classifier.Reclamo:    "⚠️",
	classifier.Sugerencia: "💡",
	classifier.Denuncia:   "🚨",
}

func row(buttons ...channel.Button) []channel.Button { return buttons }

func btn(text, payload string) channel.Button {
	return channel.Button{Text: text, Data: payload}
}

var (
	backToMainRow       = row(btn("🔙 Volver al Menú", payloadMainMenu))
	backToProceduresRow = row(btn("🔙 Volver", payloadProceduresMenu))
	cancelPQRSDRow      = row(btn("❌ Cancelar", payloadCancelPQRSD))
)

func mainMenuButtons() [][]channel.Button {
	return [][]channel.Button{
		row(btn("📋 Consultar Trámites", payloadProceduresMenu)),
		row(btn("📝 Crear PQRSD", payloadPQRSDMenu)),
		row(btn("🔍 Rastrear Solicitud", payloadTrackMenu)),
		row(btn("🎯 Programas Sociales", payloadProgramsMenu)),
		row(btn("ℹ️ Ayuda", payloadHelp)),
	}
}

func typeMenuButtons() [][]channel.Button {
	rows := make([][]channel.Button, 0, len(classifier.RequestTypes)+1)
	for _, t := range classifier.RequestTypes {
		rows = append(rows, row(btn(typeIcons[t]+" "+t.Label(), Action{Kind: ActionPQRSDType, Arg: string(t)}.Payload())))
	}
	return append(rows, cancelPQRSDRow)
}

func confirmButtons() [][]channel.Button {
	return [][]channel.Button{
		row(btn("✅ Sí, continuar", payloadConfirmYes)),
		row(btn("🔄 Cambiar tipo", payloadConfirmNo)),
		cancelPQRSDRow,
	}
}

func descriptionPrompt(t classifier.RequestType) string {
	name := strings.ToLower(t.Label())
	return fmt.Sprintf("📝 *%s*\n\n"+
		"Una %s sirve para %s.\n\n"+
		"Por favor, describe tu %s de manera detallada:\n"+
		"• ¿Qué sucedió?\n"+
		"• ¿Cuándo ocurrió?\n"+
		"• ¿Dónde ocurrió?\n"+
		"• ¿Qué entidad está involucrada?\n\n"+
		"Sé lo más específico posible para que tu solicitud sea procesada correctamente.",
		t.Label(), name, t.Purpose(), name)
}

func classificationSummary(c classifier.Result, entityName string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "✅ Tipo de solicitud: *%s*\n", c.Type.Label())
	fmt.Fprintf(&sb, "⚡ Prioridad: *%s*\n\n", c.Priority.Label())
	if entityName != "" {
		fmt.Fprintf(&sb, "📍 Entidad sugerida: *%s*\n\n", entityName)
	}
	sb.WriteString("¿Es correcta esta clasificación?")
	return sb.String()
}

func createdMessage(tracking string) string {
	return "✅ *¡Solicitud creada exitosamente!*\n\n" +
		"📋 *Número de radicado:* `" + tracking + "`\n\n" +
		"Tu solicitud ha sido registrada y será procesada por la entidad correspondiente.\n\n" +
		"Recibirás actualizaciones sobre el estado de tu solicitud. " +
		"Puedes usar el número de radicado para hacer seguimiento en cualquier momento.\n\n" +
		"¿Deseas hacer algo más?"
}

func procedureDetails(p *store.Procedure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 *%s*\n\n", p.Name)
	fmt.Fprintf(&sb, "📝 *Descripción:*\n%s\n\n", p.Description)
	writeNumbered(&sb, "📄 *Requisitos:*", p.Requirements)
	fmt.Fprintf(&sb, "💰 *Costo:* $%s\n", formatPesos(p.Cost))
	fmt.Fprintf(&sb, "⏱️ *Tiempo estimado:* %s\n\n", orDefault(p.EstimatedTime, "No especificado"))
	writeNumbered(&sb, "📍 *Pasos del proceso:*", p.ProcessSteps)
	if p.OnlineAvailable && p.OnlineURL != "" {
		sb.WriteString("🌐 *Disponible en línea:* Sí\n")
		fmt.Fprintf(&sb, "🔗 %s\n\n", p.OnlineURL)
	}
	phone, web := "", ""
	if p.Entity != nil {
		phone, web = p.Entity.ContactPhone, p.Entity.WebsiteURL
	}
	fmt.Fprintf(&sb, "📞 *Contacto:* %s\n", orDefault(phone, notAvailable))
	fmt.Fprintf(&sb, "🌐 *Web:* %s", orDefault(web, notAvailable))
	return sb.String()
}

func programDetails(p *store.Program, entity *store.Entity) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🎯 *%s*\n\n", p.Name)
	fmt.Fprintf(&sb, "📝 *Descripción:*\n%s\n\n", p.Description)
	writeNumbered(&sb, "✅ *Requisitos de elegibilidad:*", p.EligibilityCriteria)
	writeNumbered(&sb, "🎁 *Beneficios:*", p.Benefits)
	if p.ApplicationProcess != "" {
		fmt.Fprintf(&sb, "📋 *Proceso de inscripción:*\n%s\n\n", p.ApplicationProcess)
	}
	if p.WebsiteURL != "" {
		fmt.Fprintf(&sb, "🌐 *Más información:* %s\n", p.WebsiteURL)
	}
	if entity != nil {
		fmt.Fprintf(&sb, "📞 *Contacto:* %s", orDefault(entity.ContactPhone, notAvailable))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeNumbered(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(title + "\n")
	for i, item := range items {
		fmt.Fprintf(sb, "%d. %s\n", i+1, item)
	}
	sb.WriteString("\n")
}

// formatPesos renders an amount with dots as thousands separators.
func formatPesos(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var sb strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(d)
	}
	if neg {
		return "-" + sb.String()
	}
	return sb.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
