package router

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ridSeq atomic.Uint64

// newReqID returns a short id: base36 timestamp, sequence, two random chars.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alpha[rand.IntN(len(alpha))]
	}
	return string(b)
}

// cutWord splits off the first whitespace-separated word. rest keeps its inner spacing.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeft(s, " \t\r\n")
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t\r\n")
}

// cutArgs reads n quote-aware tokens from s and returns them with the untouched remainder.
//
//	cutArgs(`42 "2030-01-01 10:00" hello  world`, 2) -> [42, 2030-01-01 10:00], "hello  world"
func cutArgs(s string, n int) (args []string, rest string) {
	for len(args) < n {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return args, ""
		}
		var tok string
		tok, s = readToken(s)
		args = append(args, tok)
	}
	return args, strings.TrimLeft(s, " \t\r\n")
}

func readToken(s string) (tok, rest string) {
	var (
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			return buf.String(), s[i:]
		default:
			buf.WriteByte(ch)
		}
	}
	return buf.String(), ""
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	a "b c" 'd'
func tokenizeCommandLine(s string) []string {
	var out []string
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return out
		}
		var tok string
		tok, s = readToken(s)
		out = append(out, tok)
	}
}
