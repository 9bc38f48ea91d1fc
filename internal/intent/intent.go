// Package intent maps free text onto the closed affirmative/negative
// vocabulary used by the conversation flow. It is a hand-maintained
// PT-BR lexicon, deliberately cheap and deterministic so it can run on
// every inbound event, including transcribed audio.
package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Intent is the canonical token substituted for recognized text.
type Intent string

const (
	Affirmative Intent = "sim"
	Negative    Intent = "não"
)

// Only the bare tokens match anchored at the start of the folded text
// ("Sim, quero saber mais" is an affirmative). Every other phrase must
// equal the whole folded text: a sentence that merely begins with a
// lexicon word ("quero saber mais", "pode me ajudar com isso") is a
// real question, not a yes.
var affirmative = []string{
	"quero",
	"quero sim",
	"pode",
	"pode sim",
	"pode mandar",
	"manda",
	"vamos",
	"claro",
	"com certeza",
	"aceito",
	"isso",
	"ok",
	"beleza",
}

var negative = []string{
	"nao quero",
	"nao obrigado",
	"nao obrigada",
	"cancelar",
	"cancela",
	"encerrar",
	"encerrar atendimento",
	"parar",
	"pare",
	"sair",
	"agora nao",
	"depois",
}

var foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canonicalize reports whether text maps onto the closed vocabulary.
// Pure function: lower-case, strip diacritics, drop punctuation,
// collapse whitespace, then match. Affirmative is checked first.
func Canonicalize(text string) (Intent, bool) {
	folded := Fold(text)
	if folded == "" {
		return "", false
	}
	if matchAnchored(folded, "sim") || matchExact(folded, affirmative) {
		return Affirmative, true
	}
	if matchAnchored(folded, "nao") || matchExact(folded, negative) {
		return Negative, true
	}
	return "", false
}

// Fold normalizes text for lexicon matching: lower-case, diacritics
// stripped, punctuation replaced by spaces, whitespace collapsed.
func Fold(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	stripped, _, err := transform.String(foldChain, lowered)
	if err != nil {
		stripped = lowered
	}
	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// matchAnchored reports whether folded equals the token or begins with
// it followed by a word boundary.
func matchAnchored(folded, token string) bool {
	return folded == token || strings.HasPrefix(folded, token+" ")
}

func matchExact(folded string, phrases []string) bool {
	for _, p := range phrases {
		if folded == p {
			return true
		}
	}
	return false
}
