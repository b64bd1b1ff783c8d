// Package gcode implements the line-oriented G-code tokenizer, modal-state
// interpreter, and arc generator for the motion core.
//
// Copyright (C) 2026  OpenGlow-CNC Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package gcode

import (
	"strings"

	"openglow-cnc-go/pkg/cnerr"
	"openglow-cnc-go/pkg/pool"
)

// wordPool recycles the per-line Word slice Tokenize builds, avoiding
// one allocation per parsed line on the console's hot path.
var wordPool = pool.NewSlicePool[Word](8)

// Word is one (letter, value) pair recovered from a line.
type Word struct {
	Letter byte
	Value  float64
	// IntValue and Mantissa let callers discriminate G38.2 from G38.3
	// without float-equality comparisons: IntValue is the integer part,
	// Mantissa is the decimal part rounded to two digits (x100).
	IntValue int
	Mantissa int
}

// Groom strips comments and whitespace and upper-cases a raw input line,
// per spec §4.1 "Grooming". Block-delete ('/') is dropped silently.
func Groom(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	inParen := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '(':
			inParen = true
		case c == ')':
			inParen = false
		case inParen:
			// drop
		case c == ';':
			// rest of line is a comment
			i = len(raw)
		case c == '/':
			// block delete, ignored silently
		case c <= 0x20:
			// C0 whitespace, dropped
		default:
			if c >= 'a' && c <= 'z' {
				c -= 'a' - 'A'
			}
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// readFloat is the fast hand-rolled float reader from the source
// grbl_glue.c read_float(): integer accumulation and decimal exponent are
// tracked separately. No scientific notation is supported. Returns the
// value, the int/mantissa pair for exact modal-code discrimination, the
// number of bytes consumed, and whether a valid number was present.
func readFloat(s string) (value float64, intPart int, mantissa int, n int, ok bool) {
	i := 0
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	start := i
	var intval int64
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		intval = intval*10 + int64(s[i]-'0')
		i++
	}
	hasIntDigits := i > start
	hasFrac := false
	var fracval int64
	fracDigits := 0
	if i < len(s) && s[i] == '.' {
		hasFrac = true
		i++
		fracStart := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			fracval = fracval*10 + int64(s[i]-'0')
			i++
		}
		fracDigits = i - fracStart
	}
	if !hasIntDigits && !hasFrac {
		return 0, 0, 0, 0, false
	}
	if !hasIntDigits && fracDigits == 0 {
		return 0, 0, 0, 0, false
	}
	fval := float64(intval)
	if fracDigits > 0 {
		divisor := 1.0
		for d := 0; d < fracDigits; d++ {
			divisor *= 10
		}
		fval += float64(fracval) / divisor
	}
	mant := fracval
	// normalize mantissa to two digits (x100), rounding on the third, for
	// exact G38.2/G38.3 style comparisons regardless of how many decimal
	// digits were written.
	for fracDigits > 3 {
		mant /= 10
		fracDigits--
	}
	if fracDigits == 3 {
		mant = (mant + 5) / 10
		fracDigits--
	}
	for fracDigits < 2 {
		mant *= 10
		fracDigits++
	}
	if neg {
		fval = -fval
	}
	return fval, int(intval), int(mant), i, true
}

// Tokenize splits a groomed line into (letter, value) words.
func Tokenize(line string) ([]Word, error) {
	words := wordPool.Get()
	i := 0
	for i < len(line) {
		c := line[i]
		if c < 'A' || c > 'Z' {
			return nil, cnerr.GCodeError(cnerr.ErrExpectedCommandLetter, line)
		}
		i++
		val, ip, mant, n, ok := readFloat(line[i:])
		if !ok {
			return nil, cnerr.GCodeError(cnerr.ErrBadNumberFormat, line)
		}
		words = append(words, Word{Letter: c, Value: val, IntValue: ip, Mantissa: mant})
		i += n
	}
	return words, nil
}

// PutWords returns a Word slice obtained from Tokenize to its pool.
// The caller must not reference words again afterward.
func PutWords(words []Word) {
	wordPool.Put(words)
}
