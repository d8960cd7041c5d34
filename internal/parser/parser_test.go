package parser

import "testing"

func TestSingleLineSend(t *testing.T) {
	p := New()
	p.Feed([]byte("->relay:Bob hello there\n"))
	cmds := p.Flush()
	if len(cmds) != 1 || cmds[0].Target != "Bob" || cmds[0].Body != "hello there" {
		t.Fatalf("unexpected commands: %+v", cmds)
	}
}

func TestBackToBackCommands(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("->relay:Bob hi\n->relay:Carol yo\n"))
	cmds = append(cmds, p.Flush()...)
	if len(cmds) != 2 {
		t.Fatalf("expected 2 commands, got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].Target != "Bob" || cmds[1].Target != "Carol" {
		t.Fatalf("unexpected targets: %+v", cmds)
	}
}

func TestContinuationLinesJoinBody(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("->relay:Bob first line\n  second line\n  third line\n\n"))
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %+v", cmds)
	}
	want := "first line\nsecond line\nthird line"
	if cmds[0].Body != want {
		t.Fatalf("expected body %q, got %q", want, cmds[0].Body)
	}
}

func TestFencedSend(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("->relay:Bob <<<\nline one\nline two\n>>>\n"))
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %+v", cmds)
	}
	want := "line one\nline two"
	if cmds[0].Body != want {
		t.Fatalf("expected body %q, got %q", want, cmds[0].Body)
	}
}

func TestCodeFenceSuppressesCommands(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("```\n->relay:Bob should not fire\n```\n"))
	if len(cmds) != 0 {
		t.Fatalf("expected no commands inside a code fence, got %+v", cmds)
	}
}

func TestSpawnCommand(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte(`->relay:spawn Worker claude "fix the bug"` + "\n"))
	if len(cmds) != 1 || cmds[0].Kind != KindSpawn || cmds[0].Target != "Worker" || cmds[0].SpawnCLI != "claude" {
		t.Fatalf("unexpected spawn parse: %+v", cmds)
	}
}

func TestReleaseCommand(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("->relay:release Worker\n"))
	if len(cmds) != 1 || cmds[0].Kind != KindRelease || cmds[0].Target != "Worker" {
		t.Fatalf("unexpected release parse: %+v", cmds)
	}
}

func TestPlaceholderTargetRejected(t *testing.T) {
	p := New()
	cmds := p.Feed([]byte("->relay:<AGENT_NAME> hello\n\n"))
	if len(cmds) != 0 {
		t.Fatalf("expected placeholder target to be silently dropped, got %+v", cmds)
	}
}

func TestDedupByTargetAndBodyPrefix(t *testing.T) {
	p := New()
	p.Feed([]byte("->relay:Bob hello world\n\n"))
	cmds := p.Feed([]byte("->relay:Bob hello world\n\n"))
	if len(cmds) != 0 {
		t.Fatalf("expected duplicate to be suppressed, got %+v", cmds)
	}
}

func TestMetaTokensParsed(t *testing.T) {
	p := New()
	p.Feed([]byte("->relay:Bob the body [importance=90][thread=t1]\n"))
	cmds := p.Flush()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 command, got %+v", cmds)
	}
	if cmds[0].Importance != 90 || cmds[0].Thread != "t1" {
		t.Fatalf("unexpected meta parse: %+v", cmds[0])
	}
	if cmds[0].Body != "the body" {
		t.Fatalf("expected meta stripped from body, got %q", cmds[0].Body)
	}
}

func TestANSIStripped(t *testing.T) {
	p := New()
	p.Feed([]byte("\x1b[1;32m->relay:Bob hi\x1b[0m\n"))
	cmds := p.Flush()
	if len(cmds) != 1 || cmds[0].Target != "Bob" || cmds[0].Body != "hi" {
		t.Fatalf("expected ansi-stripped parse, got %+v", cmds)
	}
}
