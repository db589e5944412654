// Package router implements the multiplexed tagged request/response router
// that sits above the socket transport: tag allocation, sentence assembly,
// and dispatch of !re/!done/!trap/!fatal replies to the pending operation
// they belong to.
package router

import (
	"fmt"
	"strings"
)

// ReplyType identifies the kind of a reply sentence, taken from its leading
// "!"-prefixed word.
type ReplyType string

const (
	ReplyData  ReplyType = "!re"    // a data row
	ReplyDone  ReplyType = "!done"  // terminal success
	ReplyTrap  ReplyType = "!trap"  // terminal error
	ReplyFatal ReplyType = "!fatal" // connection-terminating error
)

// Params describes the attribute and query words of an outbound command.
// Attrs are encoded as "=key=value" words; Queries are passed through
// verbatim and must already be complete "?"-prefixed predicate words (the
// upstream wire format does not define escaping for "=" or "," inside a
// query value; no escaping is applied, and such values in Queries are not
// rejected either).
type Params struct {
	Attrs   map[string]string
	Queries []string
}

// Validate checks that every query word starts with "?" and rejects an
// attribute whose key starts with "?" when its value contains "=" or ",".
// Query values and the ".tag" key are not inspected.
func (p Params) Validate() error {
	for _, q := range p.Queries {
		if !strings.HasPrefix(q, "?") {
			return fmt.Errorf("router: query word %q missing leading '?'", q)
		}
	}
	for k, v := range p.Attrs {
		if strings.ContainsAny(v, "=,") && strings.HasPrefix(k, "?") {
			return fmt.Errorf("router: attribute value %q for %q contains unescapable characters", v, k)
		}
	}
	return nil
}

// Words renders the sentence body (command word is not included) in the
// order: attribute words, query words, tag word. Map iteration order is
// randomized by Go, so callers that need deterministic wire output for
// testing should prefer BuildWords with a preformed body; production
// traffic does not depend on attribute ordering.
func (p Params) Words(tag string) []string {
	out := make([]string, 0, len(p.Attrs)+len(p.Queries)+1)
	for k, v := range p.Attrs {
		out = append(out, "="+k+"="+v)
	}
	out = append(out, p.Queries...)
	if tag != "" {
		out = append(out, ".tag="+tag)
	}
	return out
}

// BuildSentence assembles the full list of words for a command submission,
// including the command word and the trailing empty terminator. This
// supports the "preformed array of words" overload described by the
// protocol design notes: callers that need to preserve query-vs-attribute
// distinctions exactly (e.g. "=follow=" or ".proplist=" sentinel words) can
// call BuildWords directly instead of going through Params.
func BuildSentence(cmd string, p Params, tag string) []string {
	words := make([]string, 0, len(p.Attrs)+len(p.Queries)+3)
	words = append(words, cmd)
	words = append(words, p.Words(tag)...)
	words = append(words, "") // empty terminator
	return words
}

// BuildWords assembles a sentence from an already-formed list of body words
// (each with its "=" or "?" prefix already applied by the caller), appending
// the tag word and empty terminator. This is the polymorphic "preformed
// words" entry point.
func BuildWords(cmd string, body []string, tag string) []string {
	words := make([]string, 0, len(body)+3)
	words = append(words, cmd)
	words = append(words, body...)
	if tag != "" {
		words = append(words, ".tag="+tag)
	}
	words = append(words, "")
	return words
}

// Sentence is the parsed form of a reply accumulated from incoming words.
type Sentence struct {
	Reply ReplyType
	Tag   string
	Attrs map[string]string // keys with leading '.' stripped where applicable by the caller
}

// accumulator builds up a Sentence word by word following the parsing rules
// of the incoming word grammar: an empty word terminates the sentence; a
// "!"-prefixed word sets the reply type; ".tag=" sets the tag; "="-prefixed
// words are split at the first further "=" into key/value; "ret=" is stored
// under the "ret" key; anything else is a bare flag recorded with value
// "true".
type accumulator struct {
	reply ReplyType
	tag   string
	attrs map[string]string
}

func newAccumulator() *accumulator {
	return &accumulator{attrs: make(map[string]string)}
}

// feed applies one incoming word to the accumulator. It reports whether the
// word terminated the sentence (the empty word).
func (a *accumulator) feed(word string) (done bool) {
	switch {
	case word == "":
		return true
	case strings.HasPrefix(word, "!"):
		a.reply = ReplyType(word)
	case strings.HasPrefix(word, ".tag="):
		a.tag = word[len(".tag="):]
	case strings.HasPrefix(word, "="):
		rest := word[1:]
		if i := strings.IndexByte(rest, '='); i >= 0 {
			a.attrs[rest[:i]] = rest[i+1:]
		} else {
			a.attrs[rest] = ""
		}
	case strings.HasPrefix(word, "ret="):
		a.attrs["ret"] = word[len("ret="):]
	default:
		a.attrs[word] = "true"
	}
	return false
}

func (a *accumulator) sentence() Sentence {
	return Sentence{Reply: a.reply, Tag: a.tag, Attrs: a.attrs}
}
