package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mirai-compass/internal/catalog"
	"mirai-compass/internal/llm"
	"mirai-compass/pkg"
)

var (
	// ErrCommunication is returned for any transport, auth or provider
	// failure during a diagnosis request.
	ErrCommunication = errors.New("diagnosis request failed")
	// ErrConfiguration is returned when the request cannot be attempted
	// because the client has no credentials.
	ErrConfiguration = errors.New("diagnosis service is not configured")
)

// Requester produces the diagnosis for a completed questionnaire.
type Requester interface {
	RequestDiagnosis(ctx context.Context, answers []pkg.Answer) (string, error)
}

// DiagnosisService builds the diagnosis prompt from the answers and delegates
// generation to the LLM client.
type DiagnosisService struct {
	LLM llm.Client
}

// NewDiagnosisService constructs a DiagnosisService with the given LLM client.
func NewDiagnosisService(client llm.Client) *DiagnosisService {
	return &DiagnosisService{LLM: client}
}

// RequestDiagnosis sends the formatted answers with the system instruction
// and returns the generated text.  A provider reply without text yields
// EmptyDiagnosisMessage.  Errors wrap ErrConfiguration or ErrCommunication.
func (s *DiagnosisService) RequestDiagnosis(ctx context.Context, answers []pkg.Answer) (string, error) {
	if s.LLM == nil {
		return "", ErrConfiguration
	}
	resp, err := s.LLM.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: SystemInstruction},
		{Role: llm.RoleUser, Content: BuildDiagnosisPrompt(answers)},
	})
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			return "", fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		return "", fmt.Errorf("%w: %v", ErrCommunication, err)
	}
	if strings.TrimSpace(resp) == "" {
		return EmptyDiagnosisMessage, nil
	}
	return resp, nil
}

// BuildDiagnosisPrompt formats every answer on its own line and highlights
// the target level and target region answers.
func BuildDiagnosisPrompt(answers []pkg.Answer) string {
	lines := make([]string, 0, len(answers))
	for _, a := range answers {
		lines = append(lines, fmt.Sprintf("[%s: %s] -> 回答: %s", a.QuestionID, a.QuestionText, a.AnswerText))
	}
	level := answerFor(answers, catalog.TargetLevelID, TargetLevelFallback)
	region := answerFor(answers, catalog.TargetRegionID, TargetRegionFallback)
	return fmt.Sprintf(diagnosisPromptTemplate, level, region, strings.Join(lines, "\n"))
}

func answerFor(answers []pkg.Answer, questionID, fallback string) string {
	for _, a := range answers {
		if a.QuestionID == questionID && a.AnswerText != "" {
			return a.AnswerText
		}
	}
	return fallback
}
