package classifier

import (
	"testing"
	"time"
)

func TestClassify_NoKeywords(t *testing.T) {
	for _, text := range []string{"", "hola buenos días", "   "} {
		r := Classify(text)
		if r.Type != Peticion {
			t.Errorf("Classify(%q).Type = %q, want peticion", text, r.Type)
		}
		if r.Confidence != 0.5 {
			t.Errorf("Classify(%q).Confidence = %v, want 0.5", text, r.Confidence)
		}
		if r.Priority != PriorityNormal {
			t.Errorf("Classify(%q).Priority = %q, want normal", text, r.Priority)
		}
		if r.HasEntity() {
			t.Errorf("Classify(%q).SuggestedEntity = %q, want none", text, r.SuggestedEntity)
		}
	}
}

func TestClassify_UrgentCertificate(t *testing.T) {
	r := Classify("urgente, necesito un certificado de residencia")
	if r.Priority != PriorityUrgent {
		t.Errorf("Priority = %q, want urgent", r.Priority)
	}
	if r.Type != Peticion {
		t.Errorf("Type = %q, want peticion", r.Type)
	}
	if r.SuggestedEntity != "ALCALDIA" {
		t.Errorf("SuggestedEntity = %q, want ALCALDIA", r.SuggestedEntity)
	}
	if r.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", r.Confidence)
	}
}

func TestClassify_Types(t *testing.T) {
	tests := []struct {
		text string
		want RequestType
	}{
		{"Tengo una queja por el mal servicio, estoy insatisfecho", Queja},
		{"Me llegó un cobro indebido en la factura", Reclamo},
		{"Propongo mejorar el parque, sería bueno", Sugerencia},
		{"Quiero hacer una denuncia por corrupción y fraude", Denuncia},
		{"Solicito información sobre un permiso", Peticion},
	}
	for _, tt := range tests {
		if got := Classify(tt.text).Type; got != tt.want {
			t.Errorf("Classify(%q).Type = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestClassify_TieGoesToEarlierType(t *testing.T) {
	// one peticion keyword ("solicito") and one queja keyword ("queja")
	r := Classify("solicito revisar mi queja")
	if r.Type != Peticion {
		t.Errorf("Type = %q, want peticion on tie", r.Type)
	}
	if r.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", r.Confidence)
	}
}

func TestClassify_SubstringMatching(t *testing.T) {
	// "reclamo" inside a longer word still counts
	r := Classify("losreclamosacumulados")
	if r.Type != Reclamo {
		t.Errorf("Type = %q, want reclamo", r.Type)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	a := Classify("DENUNCIA POR HURTO")
	b := Classify("denuncia por hurto")
	if a != b {
		t.Errorf("Classify differs by case: %+v vs %+v", a, b)
	}
	if a.SuggestedEntity != "POLICIA" {
		t.Errorf("SuggestedEntity = %q, want POLICIA", a.SuggestedEntity)
	}
}

func TestClassify_EntityTieKeepsFirst(t *testing.T) {
	// "factura" scores for EPM only; "certificado" scores ALCALDIA. One each: ALCALDIA first.
	r := Classify("certificado y factura")
	if r.SuggestedEntity != "ALCALDIA" {
		t.Errorf("SuggestedEntity = %q, want ALCALDIA", r.SuggestedEntity)
	}
}

func TestClassify_PriorityPrecedence(t *testing.T) {
	tests := []struct {
		text string
		want Priority
	}{
		{"es importante pero sin prisa", PriorityHigh},
		{"sin prisa, hay peligro", PriorityUrgent},
		{"cuando puedan revisan", PriorityLow},
		{"nada especial", PriorityNormal},
	}
	for _, tt := range tests {
		if got := Classify(tt.text).Priority; got != tt.want {
			t.Errorf("Classify(%q).Priority = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestClassify_ConfidenceRatio(t *testing.T) {
	// queja: "queja", "problema" (2); reclamo: "factura" (1)
	r := Classify("queja por un problema con la factura")
	if r.Type != Queja {
		t.Fatalf("Type = %q, want queja", r.Type)
	}
	want := 2.0 / 3.0
	if r.Confidence != want {
		t.Errorf("Confidence = %v, want %v", r.Confidence, want)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	text := "Denuncio un robo en la estación del metro, es urgente"
	first := Classify(text)
	for i := 0; i < 100; i++ {
		if got := Classify(text); got != first {
			t.Fatalf("iteration %d: %+v != %+v", i, got, first)
		}
	}
}

func TestClassifyAs_PinsType(t *testing.T) {
	r := ClassifyAs("necesito un certificado urgente", Queja)
	if r.Type != Queja {
		t.Errorf("Type = %q, want queja", r.Type)
	}
	if r.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1", r.Confidence)
	}
	if r.Priority != PriorityUrgent || r.SuggestedEntity != "ALCALDIA" {
		t.Errorf("suggestions lost: %+v", r)
	}
}

func TestTrackingNumber_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		n := NewTrackingNumber()
		if !IsTrackingNumber(n) {
			t.Fatalf("%q does not match tracking pattern", n)
		}
		if n != NormalizeTracking(n) {
			t.Fatalf("%q is not uppercase", n)
		}
	}
}

func TestTrackingNumber_UniqueInTightLoop(t *testing.T) {
	const count = 10000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		n := NewTrackingNumber()
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate tracking number %q after %d", n, i)
		}
		seen[n] = struct{}{}
	}
}

func TestGenerator_RedrawsIssuedSuffix(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	draws := []int{7, 7, 7, 8}
	g := NewGenerator()
	g.now = func() time.Time { return fixed }
	g.intn = func(int) int {
		n := draws[0]
		draws = draws[1:]
		return n
	}

	a := g.Next()
	b := g.Next()
	if a == b {
		t.Fatalf("generator repeated %q within one millisecond", a)
	}
	if a[len(a)-4:] != "0007" || b[len(b)-4:] != "0008" {
		t.Errorf("unexpected suffixes: %q %q", a, b)
	}
}

func TestGenerator_ClockGoingBackwardsStaysMonotonic(t *testing.T) {
	times := []time.Time{time.UnixMilli(2000), time.UnixMilli(1000)}
	g := NewGenerator()
	g.now = func() time.Time {
		now := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return now
	}
	g.intn = func(int) int { return 1 }

	a := g.Next()
	g.intn = func(int) int { return 2 }
	b := g.Next()
	if a == b {
		t.Fatalf("duplicate after clock skew: %q", a)
	}
}

func TestIsTrackingNumber(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"MED-ABC123-XYZ4", true},
		{"med-abc123-xyz4", true},
		{"  MED-1-2  ", true},
		{"MED-ABC123", false},
		{"XYZ-ABC-123", false},
		{"MED-AB C-12", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsTrackingNumber(tt.in); got != tt.want {
			t.Errorf("IsTrackingNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRequestType(t *testing.T) {
	if rt, ok := ParseRequestType("QUEJA"); !ok || rt != Queja {
		t.Errorf("ParseRequestType(QUEJA) = %q, %v", rt, ok)
	}
	if _, ok := ParseRequestType("otro"); ok {
		t.Error("ParseRequestType(otro) should fail")
	}
	if Queja.Label() != "Queja" || PriorityUrgent.Label() != "Urgente" {
		t.Error("unexpected labels")
	}
}
