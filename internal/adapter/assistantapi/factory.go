package assistantapi

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// ModeMock selects the in-process mock backend.
const ModeMock = "MOCK"

// NewAssistantClient returns a MockClient when mode is MOCK and an HTTP
// client for baseURL otherwise.
func NewAssistantClient(mode, baseURL string, opts ...Option) AssistantClient {
	if strings.EqualFold(mode, ModeMock) {
		log.Info().Str("component", "assistantapi").Msg("OMNI_MODE=MOCK detected, using mock assistant backend")
		return NewMockClient()
	}
	return NewClient(baseURL, opts...)
}
