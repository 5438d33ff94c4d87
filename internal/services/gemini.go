package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const assistantInstruction = `Você é o assistente virtual de uma agência de automação e desenvolvimento web.
Responda em português, de forma breve e cordial, sobre os serviços da agência
(automação de processos, sites, integrações e chatbots). Quando o visitante quiser
um orçamento, peça nome e e-mail ou indique o formulário de contato.`

// GeminiResponder answers with a Gemini model instead of an external webhook.
type GeminiResponder struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiResponder(ctx context.Context, apiKey, modelName string) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.4)
	model.SetTopP(0.95)
	model.SystemInstruction = genai.NewUserContent(genai.Text(assistantInstruction))

	return &GeminiResponder{client: client, model: model}, nil
}

func (g *GeminiResponder) Close() {
	g.client.Close()
}

func (g *GeminiResponder) Reply(ctx context.Context, _ string, message string) (string, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(message))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	return extractText(resp), nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
