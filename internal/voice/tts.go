package voice

import (
	"strings"
	"time"
)

// Synthesizer turns text into playable audio. A real deployment backs this
// with a cloud TTS API; DigitSynthesizer below is the always-available
// digit-by-digit fallback used when the primary synthesizer fails.
type Synthesizer interface {
	Synthesize(text string) (audio []byte, err error)
}

// TemplateSynthesizer renders the message template with the code
// substituted, then delegates to an underlying Synthesizer. If that
// synthesizer fails, it falls back to speaking the code one digit at a time
// with pause between digits, per the orchestrator protocol's step 4.
type TemplateSynthesizer struct {
	template   string
	primary    Synthesizer
	fallback   *DigitSynthesizer
}

func NewTemplateSynthesizer(template string, primary Synthesizer, digitPause time.Duration) *TemplateSynthesizer {
	if template == "" {
		template = "Your verification code is {code}"
	}
	return &TemplateSynthesizer{
		template: template,
		primary:  primary,
		fallback: NewDigitSynthesizer(digitPause),
	}
}

// Render produces the playable audio for code, falling back to
// digit-by-digit speech if the primary synthesizer errors.
func (t *TemplateSynthesizer) Render(code string) ([]byte, error) {
	text := strings.NewReplacer("{code}", code).Replace(t.template)
	if t.primary != nil {
		if audio, err := t.primary.Synthesize(text); err == nil {
			return audio, nil
		}
	}
	return t.fallback.Synthesize(code)
}

// DigitSynthesizer speaks a code one digit at a time, separated by
// digitPause. It never fails — the codec is a deployment detail, encoded
// here as a placeholder byte stream that a real TTS backend would replace.
type DigitSynthesizer struct {
	digitPause time.Duration
}

func NewDigitSynthesizer(digitPause time.Duration) *DigitSynthesizer {
	return &DigitSynthesizer{digitPause: digitPause}
}

func (d *DigitSynthesizer) Synthesize(code string) ([]byte, error) {
	var b strings.Builder
	for i, c := range code {
		if i > 0 {
			b.WriteString("|pause:")
			b.WriteString(d.digitPause.String())
			b.WriteString("|")
		}
		b.WriteString("digit:")
		b.WriteRune(c)
	}
	return []byte(b.String()), nil
}
