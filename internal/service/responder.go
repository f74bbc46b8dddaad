package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/liliang-cn/medichat/internal/domain"
	"go.uber.org/zap"
)

// Responder produces an answer for a single user question
type Responder interface {
	Answer(ctx context.Context, question string, opts AnswerOptions) (*domain.Answer, error)
}

// AnswerOptions carries the per-request generation parameters
type AnswerOptions struct {
	Temperature float64
	MaxTokens   int
	TopK        int
}

// Searcher finds document passages related to a query
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]domain.Source, error)
}

// Disclaimer is appended to every template answer
const Disclaimer = "\n\nNote: This information is for educational purposes only. Please consult a healthcare professional for medical advice."

var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"diabetes", []string{"diabetes", "diabetic", "blood sugar", "glucose", "insulin"}},
	{"hypertension", []string{"hypertension", "blood pressure", "bp", "pressure"}},
	{"cancer", []string{"cancer", "tumor", "tumour", "oncology", "malignant"}},
}

var topicTemplates = map[string]map[string]string{
	"diabetes": {
		"definition": "Diabetes is a chronic metabolic disorder characterized by elevated blood glucose levels. There are two main types: Type 1 (insulin-dependent) where the pancreas produces little or no insulin, and Type 2 (non-insulin-dependent) where the body becomes resistant to insulin or doesn't produce enough.",
		"symptoms":   "Common symptoms include: frequent urination, excessive thirst, unexplained weight loss, fatigue, blurred vision, slow-healing wounds, and recurring infections.",
		"treatment":  "Treatment varies by type: Type 1 requires insulin therapy, while Type 2 can often be managed with lifestyle changes, oral medications, and sometimes insulin. All patients benefit from blood sugar monitoring, healthy diet, and regular exercise.",
	},
	"hypertension": {
		"definition": "Hypertension (high blood pressure) is a condition where blood pressure in the arteries is persistently elevated above 130/80 mmHg. It's often called the 'silent killer' as it typically has no symptoms.",
		"symptoms":   "Usually asymptomatic, but severe cases may cause headaches, shortness of breath, nosebleeds, and vision problems.",
		"treatment":  "Treatment includes lifestyle modifications (reduced sodium intake, weight loss, exercise) and medications such as ACE inhibitors, beta-blockers, or diuretics.",
	},
	"cancer": {
		"definition": "Cancer is a group of diseases involving abnormal cell growth with the potential to invade or spread to other parts of the body. There are over 100 types of cancer.",
		"symptoms":   "Symptoms vary by type but may include: unexplained weight loss, fatigue, pain, skin changes, persistent cough, unusual bleeding, or lumps.",
		"treatment":  "Treatment depends on type and stage, including surgery, chemotherapy, radiation therapy, immunotherapy, and targeted therapy.",
	},
}

// TemplateResponder answers from built-in topic templates, enriched with
// retrieved passages when a Searcher is available. It is used when no
// generative model is configured.
type TemplateResponder struct {
	searcher Searcher
	topK     int
	logger   *zap.Logger
}

// NewTemplateResponder creates a template responder; searcher may be nil
func NewTemplateResponder(searcher Searcher, topK int, logger *zap.Logger) *TemplateResponder {
	if topK <= 0 {
		topK = 3
	}
	return &TemplateResponder{searcher: searcher, topK: topK, logger: logger}
}

// Answer implements Responder
func (r *TemplateResponder) Answer(ctx context.Context, question string, opts AnswerOptions) (*domain.Answer, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = r.topK
	}

	var sources []domain.Source
	var passages []string
	if r.searcher != nil {
		found, err := r.searcher.Search(ctx, question, topK)
		if err != nil {
			// Answering without context is still useful.
			r.logger.Warn("Could not search documents", zap.Error(err))
		}
		for i, src := range found {
			if i < 2 {
				passages = append(passages, src.Content)
			}
			if len(src.Content) > 200 {
				src.Content = src.Content[:200]
			}
			sources = append(sources, src)
		}
	}

	text := composeAnswer(question, strings.Join(passages, "\n\n"))
	if IsUrgent(question) {
		text = EmergencyNotice + "\n\n" + text
	}
	return &domain.Answer{Text: text + Disclaimer, Sources: sources}, nil
}

func detectTopic(message string) string {
	lower := strings.ToLower(message)
	for _, t := range topicKeywords {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return t.topic
			}
		}
	}
	return ""
}

func detectQuestionType(message string) string {
	lower := strings.ToLower(message)
	switch {
	case containsAny(lower, "what is", "define", "definition", "explain"):
		return "definition"
	case containsAny(lower, "symptom", "sign", "feel", "experience"):
		return "symptoms"
	case containsAny(lower, "treat", "cure", "manage", "therapy", "medication", "precaution"):
		return "treatment"
	default:
		return "general"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// questionTerms returns the lowercase words of the question long enough to be meaningful
func questionTerms(message string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(message)) {
		if len(w) > 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

func composeAnswer(message, context string) string {
	lower := strings.ToLower(message)
	contextLower := strings.ToLower(context)
	terms := questionTerms(message)

	relevance := 0
	for _, term := range terms {
		if strings.Contains(contextLower, term) {
			relevance++
		}
	}

	if context != "" && relevance < 1 {
		switch {
		case strings.Contains(lower, "acne"):
			return "Acne is a common skin condition that occurs when hair follicles become clogged with oil and dead skin cells. Precautions include: maintaining good skin hygiene, avoiding touching your face frequently, using non-comedogenic products, eating a healthy diet, and managing stress levels."
		case strings.Contains(lower, "precaution") || strings.Contains(lower, "prevent"):
			subject := "this condition"
			if words := strings.Fields(message); len(words) > 2 {
				subject = words[2]
			}
			return fmt.Sprintf("For %s, general precautions include maintaining good hygiene, following a healthy lifestyle, and consulting with healthcare professionals for specific guidance.", subject)
		default:
			return fmt.Sprintf("I couldn't find specific information about '%s' in the available medical database. Please consult a healthcare professional for accurate information about this topic.", message)
		}
	}

	topic := detectTopic(message)
	qtype := detectQuestionType(message)
	if tmpl, ok := topicTemplates[topic][qtype]; ok {
		return tmpl
	}

	if context == "" {
		return fmt.Sprintf("I couldn't find specific information about '%s' in the available medical database. Please consult a healthcare professional for accurate information.", message)
	}

	var relevant []string
	for _, sentence := range strings.Split(context, ".") {
		sl := strings.ToLower(sentence)
		for _, term := range terms {
			if strings.Contains(sl, term) {
				relevant = append(relevant, strings.TrimSpace(sentence))
				break
			}
		}
		if len(relevant) == 5 {
			break
		}
	}
	if len(relevant) > 0 {
		return "Based on the medical information available: " + strings.Join(relevant, ". ") + "."
	}

	if len(context) > 1500 {
		context = context[:1500]
	}
	return "Based on the medical information available:\n\n" + context
}
