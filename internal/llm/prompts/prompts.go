package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/examgrader/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxAnswerRunes bounds how much of a student answer reaches the model.
const maxAnswerRunes = 10000

// PromptVariant represents a scoring prompt variant.
type PromptVariant string

const (
	// PromptStrict penalizes missing keywords and loose phrasing.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default scoring variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient rewards partial understanding.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// EvalData holds template data for scoring prompts.
type EvalData struct {
	QuestionText  string
	TeacherAnswer string
	Keywords      string
	Answer        string
}

func load() error {
	loadOnce.Do(func() {
		templates = make(map[PromptVariant]*template.Template)
		for v := range validVariants {
			name := "templates/eval_" + string(v) + ".txt"
			content, err := templateFS.ReadFile(name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// BuildEvalPrompt renders the scoring prompt for one answer.
func BuildEvalPrompt(variant PromptVariant, req model.EvaluationRequest) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := EvalData{
		QuestionText:  req.Question,
		TeacherAnswer: req.TeacherAnswer,
		Keywords:      strings.Join(req.Keywords, ", "),
		Answer:        sanitizeAnswer(req.Answer),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
