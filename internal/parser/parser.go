// Package parser extracts outbound ->relay: commands from an agent's noisy
// ANSI terminal stream (spec §4.9). ANSI stripping uses
// charmbracelet/x/ansi (full escape-sequence awareness) unless the caller
// sets Parser.StripANSI, grounded on the teacher's internal/egg/vterm.go
// server side VTE for the "what did the terminal actually render" concern.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// DefaultPrefix is the in-band marker distinguishing a CLI's outbound
// command from its ordinary output.
const DefaultPrefix = "->relay:"

// Kind distinguishes the parsed command shapes.
type Kind int

const (
	KindSend Kind = iota
	KindSpawn
	KindRelease
	KindContinuity
)

// Command is one parsed outbound command.
type Command struct {
	Kind       Kind
	Target     string
	Body       string
	Importance int
	Thread     string
	ReplyTo    string
	// Spawn-only fields.
	SpawnCLI  string
	SpawnTask string
}

var placeholderTarget = regexp.MustCompile(`^<[A-Z_]+>$`)

var metaTokenRe = regexp.MustCompile(`\[([a-zA-Z_]+)=([^\]]+)\]`)

var spawnRe = regexp.MustCompile(`^spawn\s+(\S+)\s+(\S+)\s+"([^"]*)"\s*$`)
var releaseRe = regexp.MustCompile(`^release\s+(\S+)\s*$`)

// seenEntry records a deduplicated (target, first-100-chars) pair with the
// time it was first observed, so echo-triggered duplicates are suppressed
// without the dedup set growing without bound.
type seenEntry struct {
	firstSeen time.Time
}

// Parser accumulates terminal output and extracts commands line by line.
// Not safe for concurrent use; one Parser per wrapper instance, fed from a
// single reader goroutine.
type Parser struct {
	Prefix string

	buf       strings.Builder // leftover partial line across Feed calls
	inFence   bool            // inside a ``` code block (commands ignored)
	pending   *pendingCommand // a single-line SEND collecting continuation lines
	fenceBody *strings.Builder
	fenceTarget string
	fenceMeta   string
	inCommandFence bool

	seen     map[string]seenEntry
	seenTTL  time.Duration

	// StripANSI replaces the default ansi.Strip when set; the package
	// itself provides no alternative stripper.
	StripANSI func(string) string
}

type pendingCommand struct {
	target string
	body   strings.Builder
	meta   string
}

// New returns a Parser using the default relay prefix and a 10-minute dedup
// horizon.
func New() *Parser {
	return &Parser{
		Prefix:  DefaultPrefix,
		seen:    make(map[string]seenEntry),
		seenTTL: 10 * time.Minute,
	}
}

func (p *Parser) strip(s string) string {
	if p.StripANSI != nil {
		return p.StripANSI(s)
	}
	return ansi.Strip(s)
}

// Feed appends raw terminal bytes and returns any commands completed by
// this call. Partial lines are buffered until the next call.
func (p *Parser) Feed(data []byte) []Command {
	p.buf.WriteString(p.strip(string(data)))
	text := p.buf.String()

	lastNL := strings.LastIndexByte(text, '\n')
	if lastNL == -1 {
		return nil
	}
	complete := text[:lastNL]
	p.buf.Reset()
	p.buf.WriteString(text[lastNL+1:])

	var out []Command
	for _, line := range strings.Split(complete, "\n") {
		p.feedLine(strings.TrimRight(line, "\r"), &out)
	}
	return out
}

// feedLine processes one complete line, appending any commands it
// completes to out. A line that both terminates a pending continuation
// and starts a new command (e.g. two consecutive ->relay: lines) is
// re-processed for the new command after closing the old one.
func (p *Parser) feedLine(line string, out *[]Command) {
	trimmed := strings.TrimSpace(line)

	// Fenced code block tracking: lines inside ``` ... ``` never produce
	// commands, even if they look like one.
	if strings.HasPrefix(trimmed, "```") {
		p.inFence = !p.inFence
		return
	}
	if p.inFence {
		return
	}

	// Closing a fenced multi-line SEND (->relay:<target> <<< ... >>>).
	if p.inCommandFence {
		if trimmed == ">>>" {
			p.inCommandFence = false
			body := p.fenceBody.String()
			p.fenceBody = nil
			if cmd, ok := p.finishCommand(p.fenceTarget, body, p.fenceMeta); ok {
				*out = append(*out, cmd)
			}
			return
		}
		p.fenceBody.WriteString(line)
		p.fenceBody.WriteString("\n")
		return
	}

	// Continuation of a pending single-line SEND: an indented, non-empty
	// line immediately following a ->relay: line is appended to its body
	// until a blank line or a new bullet/prompt terminates it.
	if p.pending != nil {
		if trimmed == "" || isBulletOrPrompt(trimmed) {
			pending := p.pending
			p.pending = nil
			if cmd, ok := p.finishCommand(pending.target, pending.body.String(), pending.meta); ok {
				*out = append(*out, cmd)
			}
			if trimmed != "" {
				p.feedLine(line, out) // re-process: may itself start a new command
			}
			return
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			p.pending.body.WriteString("\n")
			p.pending.body.WriteString(trimmed)
			return
		}
		pending := p.pending
		p.pending = nil
		if cmd, ok := p.finishCommand(pending.target, pending.body.String(), pending.meta); ok {
			*out = append(*out, cmd)
		}
		p.feedLine(line, out)
		return
	}

	if !strings.HasPrefix(trimmed, p.Prefix) {
		return
	}
	rest := strings.TrimSpace(trimmed[len(p.Prefix):])

	if m := spawnRe.FindStringSubmatch(rest); m != nil {
		*out = append(*out, Command{Kind: KindSpawn, Target: m[1], SpawnCLI: m[2], SpawnTask: m[3]})
		return
	}
	if m := releaseRe.FindStringSubmatch(rest); m != nil {
		*out = append(*out, Command{Kind: KindRelease, Target: m[1]})
		return
	}

	// target is the first whitespace-delimited token; remainder is body.
	fields := strings.SplitN(rest, " ", 2)
	target := fields[0]
	body := ""
	if len(fields) > 1 {
		body = fields[1]
	}

	if strings.HasSuffix(strings.TrimSpace(body), "<<<") {
		p.inCommandFence = true
		p.fenceTarget = target
		p.fenceBody = &strings.Builder{}
		p.fenceMeta = ""
		return
	}

	meta := ""
	for strings.HasSuffix(strings.TrimSpace(body), "]") {
		idx := strings.LastIndex(body, "[")
		if idx < 0 {
			break
		}
		meta = strings.TrimSpace(body[idx:]) + meta
		body = strings.TrimSpace(body[:idx])
	}

	p.pending = &pendingCommand{target: target, meta: meta}
	p.pending.body.WriteString(body)
}

func isBulletOrPrompt(s string) bool {
	if s == "" {
		return false
	}
	first := s[0]
	return first == '-' || first == '*' || first == '>' || strings.HasPrefix(s, "->relay:")
}

func (p *Parser) finishCommand(target, body, meta string) (Command, bool) {
	body = strings.TrimRight(body, "\n")
	if placeholderTarget.MatchString(target) {
		return Command{}, false // soft error: placeholder target, logged not sent
	}

	key := fmt.Sprintf("%s|%s", target, firstN(body, 100))
	now := time.Now()
	p.gcSeen(now)
	if e, dup := p.seen[key]; dup && now.Sub(e.firstSeen) <= p.seenTTL {
		return Command{}, false
	}
	p.seen[key] = seenEntry{firstSeen: now}

	cmd := Command{Kind: KindSend, Target: target, Body: body}
	for _, m := range metaTokenRe.FindAllStringSubmatch(meta, -1) {
		switch m[1] {
		case "importance":
			fmt.Sscanf(m[2], "%d", &cmd.Importance)
		case "thread":
			cmd.Thread = m[2]
		case "replyTo":
			cmd.ReplyTo = m[2]
		}
	}
	return cmd, true
}

func (p *Parser) gcSeen(now time.Time) {
	if len(p.seen) < 1000 {
		return
	}
	for k, e := range p.seen {
		if now.Sub(e.firstSeen) > p.seenTTL {
			delete(p.seen, k)
		}
	}
}

// Flush finalizes any pending single-line SEND that hasn't yet seen its
// terminating blank/bullet line. Callers invoke this once the idle
// detector (C10) reports silence, so a trailing command at end-of-output
// isn't held forever waiting for a continuation line that will never
// arrive.
func (p *Parser) Flush() []Command {
	if p.pending == nil {
		return nil
	}
	pending := p.pending
	p.pending = nil
	if cmd, ok := p.finishCommand(pending.target, pending.body.String(), pending.meta); ok {
		return []Command{cmd}
	}
	return nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
