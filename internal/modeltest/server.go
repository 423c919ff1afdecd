// Package modeltest serves a deterministic fake of the model runtime API for
// tests. Embeddings are hashed bag-of-words vectors, so texts sharing words
// land near each other.
package modeltest

import (
	"encoding/json"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/go-chi/chi/v5"
)

const (
	EmbedModel = "test.embed-v1"
	TextModel  = "test.text-v1"
	Dim        = 1024
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "by": true, "for": true, "in": true,
	"is": true, "of": true, "on": true, "the": true, "to": true, "was": true,
	"what": true, "were": true, "with": true,
}

// Server is an httptest server answering embed and text invoke calls.
type Server struct {
	*httptest.Server

	// Answer is returned as outputText.
	Answer string

	FailEmbed    atomic.Bool
	FailGenerate atomic.Bool
	OmitUsage    atomic.Bool

	EmbedCalls    atomic.Int32
	GenerateCalls atomic.Int32

	mu         sync.Mutex
	lastPrompt string
}

func NewServer() *Server {
	s := &Server{Answer: "Revenue increased by 12%."}
	r := chi.NewRouter()
	r.Post("/model/{modelID}/invoke", s.invoke)
	s.Server = httptest.NewServer(r)
	return s
}

// LastPrompt returns the most recent generation prompt.
func (s *Server) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "modelID") {
	case EmbedModel:
		s.embed(w, r)
	case TextModel:
		s.generate(w, r)
	default:
		http.Error(w, `{"message":"unknown model"}`, http.StatusNotFound)
	}
}

func (s *Server) embed(w http.ResponseWriter, r *http.Request) {
	s.EmbedCalls.Add(1)
	if s.FailEmbed.Load() {
		http.Error(w, `{"message":"validation error"}`, http.StatusBadRequest)
		return
	}
	var req struct {
		InputText string `json:"inputText"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	toks := Tokens(req.InputText)
	writeJSON(w, map[string]any{
		"embedding":           Embed(req.InputText),
		"inputTextTokenCount": len(toks),
	})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	s.GenerateCalls.Add(1)
	if s.FailGenerate.Load() {
		http.Error(w, `{"message":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	var req struct {
		InputText string `json:"inputText"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.lastPrompt = req.InputText
	s.mu.Unlock()

	if !s.OmitUsage.Load() {
		w.Header().Set("X-Amzn-Bedrock-Input-Token-Count", strconv.Itoa(len(Tokens(req.InputText))))
		w.Header().Set("X-Amzn-Bedrock-Output-Token-Count", strconv.Itoa(len(Tokens(s.Answer))))
		w.Header().Set("X-Amzn-Bedrock-Invocation-Latency", "42")
	}
	writeJSON(w, map[string]any{
		"inputTextTokenCount": len(Tokens(req.InputText)),
		"results": []map[string]any{
			{"outputText": "  " + s.Answer + "\n", "completionReason": "FINISH"},
		},
	})
}

// Tokens lower-cases text and splits it into words, dropping stop words.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// Embed returns the unit-length hashed bag-of-words vector for text.
func Embed(text string) []float32 {
	vec := make([]float32, Dim)
	for _, tok := range Tokens(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%Dim]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
