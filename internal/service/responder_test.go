package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSearcher struct {
	results []domain.Source
	err     error
	topK    int
}

func (s *stubSearcher) Search(ctx context.Context, query string, topK int) ([]domain.Source, error) {
	s.topK = topK
	return s.results, s.err
}

func TestTemplateResponder_TopicTemplates(t *testing.T) {
	r := NewTemplateResponder(nil, 3, zap.NewNop())

	tests := []struct {
		question string
		want     string
	}{
		{"What is diabetes?", topicTemplates["diabetes"]["definition"]},
		{"symptoms of high blood pressure", topicTemplates["hypertension"]["symptoms"]},
		{"how to treat cancer", topicTemplates["cancer"]["treatment"]},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			ans, err := r.Answer(context.Background(), tt.question, AnswerOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want+Disclaimer, ans.Text)
			assert.Empty(t, ans.Sources)
		})
	}
}

func TestTemplateResponder_NoContext(t *testing.T) {
	r := NewTemplateResponder(nil, 3, zap.NewNop())

	ans, err := r.Answer(context.Background(), "tell me about migraines", AnswerOptions{})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "couldn't find specific information about 'tell me about migraines'")
	assert.True(t, strings.HasSuffix(ans.Text, Disclaimer))
}

func TestTemplateResponder_UsesRelevantSentences(t *testing.T) {
	searcher := &stubSearcher{results: []domain.Source{
		{Filename: "migraine.pdf", Content: "Migraines cause throbbing pain. Rest helps. Triggers include stress"},
	}}
	r := NewTemplateResponder(searcher, 4, zap.NewNop())

	ans, err := r.Answer(context.Background(), "what triggers migraines", AnswerOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, searcher.topK)
	assert.Contains(t, ans.Text, "Based on the medical information available: Migraines cause throbbing pain. Triggers include stress.")
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, "migraine.pdf", ans.Sources[0].Filename)
}

func TestTemplateResponder_TruncatesSourceContent(t *testing.T) {
	searcher := &stubSearcher{results: []domain.Source{{Content: strings.Repeat("fever ", 100)}}}
	r := NewTemplateResponder(searcher, 3, zap.NewNop())

	ans, err := r.Answer(context.Background(), "fever management", AnswerOptions{TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.topK)
	require.Len(t, ans.Sources, 1)
	assert.Len(t, ans.Sources[0].Content, 200)
}

func TestTemplateResponder_IrrelevantContext(t *testing.T) {
	searcher := &stubSearcher{results: []domain.Source{{Content: "Unrelated text about bones."}}}
	r := NewTemplateResponder(searcher, 3, zap.NewNop())

	ans, err := r.Answer(context.Background(), "acne", AnswerOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ans.Text, "Acne is a common skin condition"))
}

func TestTemplateResponder_SearchErrorIsNotFatal(t *testing.T) {
	searcher := &stubSearcher{err: errors.New("index offline")}
	r := NewTemplateResponder(searcher, 3, zap.NewNop())

	ans, err := r.Answer(context.Background(), "What is diabetes?", AnswerOptions{})
	require.NoError(t, err)
	assert.Equal(t, topicTemplates["diabetes"]["definition"]+Disclaimer, ans.Text)
}

func TestDetectQuestionType(t *testing.T) {
	assert.Equal(t, "definition", detectQuestionType("Explain asthma"))
	assert.Equal(t, "symptoms", detectQuestionType("what signs should I watch"))
	assert.Equal(t, "treatment", detectQuestionType("which medication helps"))
	assert.Equal(t, "general", detectQuestionType("hello"))
}
