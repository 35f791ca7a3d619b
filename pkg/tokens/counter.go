package tokens

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates token counts for message content when the server
// payload does not carry authoritative counts.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter resolves a codec for the model, falling back to cl100k_base
// for models the tokenizer does not know.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		log.Debug().Str("model", model).Msg("unknown model, falling back to cl100k_base")
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, errors.Wrap(err, "could not create tokenizer")
		}
	}
	return &Counter{codec: codec}, nil
}

// Count returns the token count for the text, or 0 if encoding fails.
func (c *Counter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Warn().Err(err).Msg("token encoding failed")
		return 0
	}
	return len(ids)
}
