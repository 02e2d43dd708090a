package ai

import (
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Meter counts tokens; it is what turns prompts and replies into credit cost.
type Meter interface {
	Count(text string) int
}

// perMessageOverhead approximates role/separator tokens added by chat formats.
const perMessageOverhead = 4

type TokenMeter struct {
	codec tokenizer.Codec
}

func NewTokenMeter() (*TokenMeter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &TokenMeter{codec: codec}, nil
}

func (m *TokenMeter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := m.codec.Encode(text)
	if err != nil {
		return ApproxMeter{}.Count(text)
	}
	return len(ids)
}

// ApproxMeter estimates ~4 characters per token. Used when no codec is available.
type ApproxMeter struct{}

func (ApproxMeter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// CountMessages is the prompt size of a request as seen by a Meter.
func CountMessages(m Meter, msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.Count(msg.Content) + perMessageOverhead
	}
	return total
}
