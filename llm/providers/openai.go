package providers

import (
	"net/http"
	"os"

	"github.com/c360studio/atelier/llm"
	"github.com/c360studio/atelier/model"
)

// OpenAIProvider targets OpenAI or OpenRouter.
type OpenAIProvider struct {
	chatCompletions
}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL defaults to the public OpenAI API.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatURL(baseURL, "https://api.openai.com/v1")
}

// SetHeaders adds the bearer token and the optional OpenRouter attribution
// headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request, ep *model.EndpointConfig) {
	if key := apiKey(ep, "OPENAI_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}
