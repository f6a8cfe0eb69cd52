package sgr

import (
	"fmt"
	"strings"

	"github.com/9MpulS/RAG-Asistent/retrieval"
)

const intentSystemPrompt = "You analyse questions that university students ask about the regulatory documents of their university " +
	"(regulations, orders, instructions: admission, studies, exams, scholarships, dormitories, academic mobility and similar). " +
	"Rewrite the question as a clear standalone search query in the language of the question, extract the key terms, " +
	"and decide whether the answer can plausibly be found in such documents. Questions unrelated to university rules " +
	"(weather, programming help, general trivia) are not answerable from the corpus. Respond with JSON only."

const contextSystemPrompt = "You review fragments retrieved from university regulatory documents for a student's question. " +
	"For every fragment give a relevance label: direct (answers the question), background (useful context), " +
	"conflicting (contradicts another fragment) or irrelevant, and a decision: include or exclude. " +
	"Exclude fragments that do not help answer the question. Assess every fragment exactly once using its fragment_id. " +
	"Respond with JSON only."

const answerSystemPrompt = "You are an assistant for university students. Answer strictly from the supplied fragments of " +
	"regulatory documents. Cite fragments inline with their bracketed number, for example [1] or [2]. " +
	"If the fragments do not contain the answer, say so honestly. Answer in the language of the question, politely and to the point. " +
	"List in fragments_used the fragment ids (not numbers) you actually relied on. Respond with JSON only."

func intentUserPrompt(query string) string {
	return fmt.Sprintf("Student question:\n%s", query)
}

func contextUserPrompt(intent Intent, fragments []retrieval.Fragment) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(intent.NormalizedQuery)
	sb.WriteString("\n")
	if len(intent.KeyTerms) > 0 {
		sb.WriteString("Key terms: ")
		sb.WriteString(strings.Join(intent.KeyTerms, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\nFragments:\n")
	for _, f := range fragments {
		fmt.Fprintf(&sb, "\nfragment_id: %s\nsource: %s\n%s\n", f.ChunkID, sourceLabel(f), f.Text)
	}
	return sb.String()
}

func answerUserPrompt(question string, included []LabeledFragment) string {
	var sb strings.Builder
	sb.WriteString("Fragments:\n")
	for _, item := range included {
		f := item.Fragment
		fmt.Fprintf(&sb, "\n%s id=%s (%s; %s)\n%s\n", CitationMarker(f.Rank), f.ChunkID, sourceLabel(f), item.Label, f.Text)
	}
	sb.WriteString("\nQuestion:\n")
	sb.WriteString(question)
	return sb.String()
}

func strictRetryPrompt(schema, violation string) string {
	return fmt.Sprintf("Your previous reply was rejected because it does not conform to the %s schema: %s. "+
		"Reply again with a single JSON object that contains every required field with the correct types and allowed values, "+
		"and nothing else: no prose, no markdown.", schema, violation)
}

// CitationMarker is the inline reference the answer uses for a fragment rank.
func CitationMarker(rank int) string {
	return fmt.Sprintf("[%d]", rank)
}

func sourceLabel(f retrieval.Fragment) string {
	parts := []string{fmt.Sprintf("%q", f.DocumentTitle)}
	if f.DocumentNumber != "" {
		parts = append(parts, "№"+f.DocumentNumber)
	}
	if f.ArticleNumber != "" {
		parts = append(parts, f.ArticleNumber)
	}
	return strings.Join(parts, " ")
}
