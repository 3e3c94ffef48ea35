package analysis

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/spigell/resume-worker/internal/llm"
	"github.com/spigell/resume-worker/internal/utils"
)

//go:embed prompt.md
var systemPrompt string

const defaultMaxLogLength = 200

// Config tunes an Analyzer.
type Config struct {
	// ValidateSchema checks the parsed object against schema.json before decoding.
	ValidateSchema bool
	// MaxLogLength bounds prompt and response previews in debug logs.
	MaxLogLength int
}

// Analyzer turns resume text into a Result with one model call.
type Analyzer struct {
	completer llm.Completer
	validator *Validator
	logger    *zap.Logger
	maxLogLen int
}

func NewAnalyzer(completer llm.Completer, cfg Config, logger *zap.Logger) (*Analyzer, error) {
	if completer == nil {
		return nil, fmt.Errorf("llm completer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Analyzer{
		completer: completer,
		logger:    logger,
		maxLogLen: cfg.MaxLogLength,
	}
	if a.maxLogLen <= 0 {
		a.maxLogLen = defaultMaxLogLength
	}

	if cfg.ValidateSchema {
		validator, err := NewValidator()
		if err != nil {
			return nil, err
		}
		a.validator = validator
	}

	return a, nil
}

// Analyze evaluates resumeText, and matches it against jobDescription when one is given.
// The model is called exactly once; any extraction or parse failure is returned as is.
func (a *Analyzer) Analyze(ctx context.Context, resumeText, jobDescription string) (*Result, error) {
	withDescription := hasDescription(jobDescription)
	prompt := buildUserPrompt(resumeText, jobDescription)

	a.logger.Debug("model request",
		zap.Bool("with_job_description", withDescription),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, a.maxLogLen)),
	)

	raw, err := a.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	a.logger.Debug("model response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, a.maxLogLen)),
	)

	document, object, err := parseObject(raw)
	if err != nil {
		a.logger.Warn("model response is not json",
			zap.String("response_preview", utils.TruncateForLog(raw, a.maxLogLen)),
			zap.Error(err),
		)
		return nil, err
	}

	if a.validator != nil {
		if err := a.validator.Validate(document); err != nil {
			return nil, err
		}
		if withDescription && object["match"] == nil {
			return nil, fmt.Errorf("%w: match block is required when a job description is provided", ErrSchema)
		}
	}

	if !withDescription {
		delete(object, "match")
	}

	result, err := decode(object)
	if err != nil {
		return nil, err
	}

	if withDescription && result.Match == nil {
		a.logger.Warn("model omitted the match block despite a job description")
	}

	return result, nil
}

func buildUserPrompt(resumeText, jobDescription string) string {
	var b strings.Builder
	b.WriteString("Please analyze the following resume:\n\n")
	b.WriteString(resumeText)

	if hasDescription(jobDescription) {
		b.WriteString("\n\nJob Description to match against:\n")
		b.WriteString(jobDescription)
	}

	return b.String()
}

// hasDescription treats a whitespace-only description as absent: it is left
// out of the prompt and the result carries no match block. Producers that
// send any non-empty string and expect it in the prompt see this differently.
func hasDescription(jobDescription string) bool {
	return strings.TrimSpace(jobDescription) != ""
}

func decode(object map[string]any) (*Result, error) {
	var result Result

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &result,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if err := decoder.Decode(object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	result.normalize()
	return &result, nil
}
