// Package tokenizer implements BERT-style WordPiece tokenization and batch
// encoding.
package tokenizer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	PadToken  = "[PAD]"
	UnkToken  = "[UNK]"
	ClsToken  = "[CLS]"
	SepToken  = "[SEP]"
	MaskToken = "[MASK]"
)

// VocabFile is the vocabulary file name in a model directory.
const VocabFile = "vocab.txt"

// Tokenizer defines the interface for text tokenization.
type Tokenizer interface {
	Tokenize(text string) ([]string, []int)
	Encode(text string) []int
}

var _ Tokenizer = (*WordPieceTokenizer)(nil)

// WordPieceTokenizer implements the WordPiece tokenization algorithm.
type WordPieceTokenizer struct {
	vocab         map[string]int
	invVocab      []string
	maxInputChars int
	neverSplit    []string
}

// NewWordPieceTokenizer creates a new WordPieceTokenizer from a vocab file.
func NewWordPieceTokenizer(vocabPath string) (*WordPieceTokenizer, error) {
	tokens, err := loadVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	return NewFromVocab(tokens)
}

// NewFromVocab builds a tokenizer from tokens in id order. The vocabulary
// must contain [UNK].
func NewFromVocab(tokens []string) (*WordPieceTokenizer, error) {
	vocab := make(map[string]int, len(tokens))
	for i, tok := range tokens {
		if _, dup := vocab[tok]; !dup {
			vocab[tok] = i
		}
	}
	if _, ok := vocab[UnkToken]; !ok {
		return nil, fmt.Errorf("tokenizer: vocabulary has no %s token", UnkToken)
	}

	return &WordPieceTokenizer{
		vocab:         vocab,
		invVocab:      append([]string(nil), tokens...),
		maxInputChars: 200,
		neverSplit:    []string{UnkToken, SepToken, PadToken, ClsToken, MaskToken},
	}, nil
}

// loadVocab reads a BERT-style vocab.txt file.
func loadVocab(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			tokens = append(tokens, line)
		}
	}
	return tokens, scanner.Err()
}

// VocabSize is the number of ids.
func (t *WordPieceTokenizer) VocabSize() int {
	return len(t.invVocab)
}

// TokenID returns the id of tok.
func (t *WordPieceTokenizer) TokenID(tok string) (int, bool) {
	id, ok := t.vocab[tok]
	return id, ok
}

// PadID returns the [PAD] id, or -1 when the vocabulary has none.
func (t *WordPieceTokenizer) PadID() int {
	if id, ok := t.vocab[PadToken]; ok {
		return id
	}
	return -1
}

// Save writes the vocabulary into dir as vocab.txt.
func (t *WordPieceTokenizer) Save(dir string) error {
	var sb strings.Builder
	for _, tok := range t.invVocab {
		sb.WriteString(tok)
		sb.WriteByte('\n')
	}
	return os.WriteFile(filepath.Join(dir, VocabFile), []byte(sb.String()), 0o644)
}

// isPunctuation checks if a rune is a punctuation character.
func isPunctuation(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// splitOnPunctuation splits text on whitespace and punctuation, keeping
// punctuation as separate tokens and special tokens whole.
func (t *WordPieceTokenizer) splitOnPunctuation(text string) []string {
	// Fast path: a single plain ASCII word
	if isASCII(text) && FindBoundary([]byte(text)) == -1 {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(text); {
		if text[i] == '[' {
			if special := t.matchSpecial(text[i:]); special != "" {
				flush()
				tokens = append(tokens, special)
				i += len(special)
				continue
			}
		}

		r, size := rune(text[i]), 1
		if r >= 0x80 {
			r, size = utf8.DecodeRuneInString(text[i:])
		}
		switch {
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsSpace(r):
			flush()
		default:
			current.WriteRune(r)
		}
		i += size
	}
	flush()
	return tokens
}

func (t *WordPieceTokenizer) matchSpecial(s string) string {
	for _, ns := range t.neverSplit {
		if strings.HasPrefix(s, ns) {
			return ns
		}
	}
	return ""
}

// normalize lowercases and strips accents.
func normalize(token string) string {
	tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(tform, strings.ToLower(token))
	if err != nil {
		return strings.ToLower(token)
	}
	return out
}

// Tokenize implement the WordPiece algorithm.
func (t *WordPieceTokenizer) Tokenize(text string) ([]string, []int) {
	rawTokens := t.splitOnPunctuation(text)

	outputTokens := make([]string, 0, len(rawTokens)*2)
	outputIDs := make([]int, 0, len(rawTokens)*2)
	unk := func() {
		outputTokens = append(outputTokens, UnkToken)
		outputIDs = append(outputIDs, t.vocab[UnkToken])
	}

	for _, token := range rawTokens {
		if id, ok := t.vocab[token]; ok && t.matchSpecial(token) == token {
			outputTokens = append(outputTokens, token)
			outputIDs = append(outputIDs, id)
			continue
		}

		normToken := normalize(token)
		if normToken == "" {
			continue
		}
		if len(normToken) > t.maxInputChars {
			unk()
			continue
		}

		// Greedy longest-match-first
		var subTokens []string
		for start := 0; start < len(normToken); {
			end := len(normToken)
			var match string
			for start < end {
				substr := normToken[start:end]
				if start > 0 {
					substr = "##" + substr
				}
				if _, ok := t.vocab[substr]; ok {
					match = substr
					break
				}
				end--
			}
			if match == "" {
				subTokens = nil
				break
			}
			subTokens = append(subTokens, match)
			start = end
		}

		if subTokens == nil {
			unk()
			continue
		}
		for _, st := range subTokens {
			outputTokens = append(outputTokens, st)
			outputIDs = append(outputIDs, t.vocab[st])
		}
	}

	return outputTokens, outputIDs
}

// Encode converts text into a slice of input IDs.
func (t *WordPieceTokenizer) Encode(text string) []int {
	_, ids := t.Tokenize(text)
	return ids
}
