package intent

import "testing"

func TestCanonicalize_Affirmative(t *testing.T) {
	cases := []string{
		"sim",
		"Sim",
		"SIM!",
		"Sim, quero saber mais",
		"quero",
		"Quero sim",
		"pode mandar",
		"Pode",
		"manda",
		"vamos",
		"claro",
		"com certeza",
		"beleza",
	}
	for _, in := range cases {
		got, ok := Canonicalize(in)
		if !ok {
			t.Errorf("Canonicalize(%q): not recognized", in)
			continue
		}
		if got != Affirmative {
			t.Errorf("Canonicalize(%q) = %q, want affirmative", in, got)
		}
	}
}

func TestCanonicalize_Negative(t *testing.T) {
	cases := []string{
		"não",
		"Não",
		"nao",
		"Não, pode encerrar",
		"não quero",
		"cancelar",
		"Cancela",
		"encerrar",
		"agora não",
		"Não, obrigado",
	}
	for _, in := range cases {
		got, ok := Canonicalize(in)
		if !ok {
			t.Errorf("Canonicalize(%q): not recognized", in)
			continue
		}
		if got != Negative {
			t.Errorf("Canonicalize(%q) = %q, want negative", in, got)
		}
	}
}

func TestCanonicalize_Unrecognized(t *testing.T) {
	cases := []string{
		"talvez",
		"",
		"   ",
		"quanto custa?",
		"bom dia",
		"simpatia", // "sim" must not match inside a word
		"naofalo",  // same for "nao"
		"a sim",    // anchored matching only
	}
	for _, in := range cases {
		if got, ok := Canonicalize(in); ok {
			t.Errorf("Canonicalize(%q) = %q, want unrecognized", in, got)
		}
	}
}

func TestCanonicalize_SentencesStartingWithLexiconWordsStayText(t *testing.T) {
	// only bare "sim"/"não" anchor a longer sentence; other lexicon
	// entries must match the whole message
	cases := []string{
		"quero saber mais",
		"quero saber o preço",
		"pode me ajudar com uma dúvida",
		"manda o endereço de vocês",
		"ok mas antes me explica uma coisa",
	}
	for _, in := range cases {
		if got, ok := Canonicalize(in); ok {
			t.Errorf("Canonicalize(%q) = %q, want unrecognized", in, got)
		}
	}
	// the anchored bare tokens still capture trailing clauses
	if got, ok := Canonicalize("Sim, quero saber mais"); !ok || got != Affirmative {
		t.Errorf("Canonicalize(%q) = %q, %v, want affirmative", "Sim, quero saber mais", got, ok)
	}
	if got, ok := Canonicalize("Não, pode encerrar"); !ok || got != Negative {
		t.Errorf("Canonicalize(%q) = %q, %v, want negative", "Não, pode encerrar", got, ok)
	}
}

func TestFold(t *testing.T) {
	cases := map[string]string{
		"Não, pode ENCERRAR":  "nao pode encerrar",
		"  Sim!!  ":           "sim",
		"atenção\tàs  vagas":  "atencao as vagas",
		"":                    "",
	}
	for in, want := range cases {
		if got := Fold(in); got != want {
			t.Errorf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
}
