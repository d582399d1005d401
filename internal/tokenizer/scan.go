package tokenizer

// boundaryTable marks ASCII bytes that end a word: punctuation, symbols and
// whitespace.
var boundaryTable [256]bool

func init() {
	// [33, 47] - ! " # $ % & ' ( ) * + , - . /
	// [58, 64] - : ; < = > ? @
	// [91, 96] - [ \ ] ^ _ `
	// [123, 126] - { | } ~
	// Whitespace: 9 (\t), 10 (\n), 11 (\v), 12 (\f), 13 (\r), 32 (space)
	for i := 0; i < 256; i++ {
		if (i >= 33 && i <= 47) || (i >= 58 && i <= 64) || (i >= 91 && i <= 96) || (i >= 123 && i <= 126) {
			boundaryTable[i] = true
		}
		if i == 32 || (i >= 9 && i <= 13) {
			boundaryTable[i] = true
		}
	}
}

// FindBoundary returns the index of the first word boundary byte in text,
// or -1. Bytes >= 0x80 are never boundaries here.
func FindBoundary(text []byte) int {
	for i, b := range text {
		if boundaryTable[b] {
			return i
		}
	}
	return -1
}

// isASCII reports whether text holds only 7-bit bytes.
func isASCII(text string) bool {
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return false
		}
	}
	return true
}
