package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/llm/models"
	"github.com/halyard-dev/halyard/pkg/prompts"
	"github.com/halyard-dev/halyard/pkg/session"
)

// repl reads lines from stdin and routes them: slash commands, prompt
// templates, or agent prompts. Runs execute on their own goroutine so the
// loop stays responsive; a line typed mid-run becomes a steering message.
func repl(ctx context.Context, env *replEnv) error {
	fmt.Fprintf(os.Stderr, "halyard %s  %s/%s\n", version, env.cfg.Provider, env.ag.Model().ID)
	if env.sess != nil {
		fmt.Fprintf(os.Stderr, "session %s  %s\n", env.sess.ID()[:8], env.sess.FilePath())
	}
	fmt.Fprintln(os.Stderr, `prompt the agent, or /help for commands; typing during a run steers it`)

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	done := make(chan error, 1)
	running := false
	mark := func() { fmt.Fprint(os.Stderr, "> ") }
	mark()

	for {
		select {
		case err := <-done:
			running = false
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			mark()

		case line, ok := <-lines:
			if !ok { // EOF (Ctrl-D)
				if running {
					env.ag.Abort()
					<-done
				}
				fmt.Fprintln(os.Stderr)
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				if !running {
					mark()
				}

			case running:
				switch {
				case line == "exit" || line == "quit":
					env.ag.Abort()
					<-done
					return nil
				case line == "/abort":
					env.ag.Abort()
					fmt.Fprintln(os.Stderr, "[abort requested]")
				case strings.HasPrefix(line, "/"):
					if !env.readOnlyCommand(line) {
						fmt.Fprintln(os.Stderr, "[busy] run in progress; /abort to stop it")
					}
				default:
					env.ag.SteerText(line)
					fmt.Fprintln(os.Stderr, "[steering] queued; lands after the current tool call")
				}

			default:
				if line == "exit" || line == "quit" {
					return nil
				}
				if strings.HasPrefix(line, "/") {
					if env.command(ctx, line) {
						mark()
						continue
					}
					expanded := prompts.Expand(line, env.templates)
					if expanded == line {
						fmt.Fprintf(os.Stderr, "unknown command %s (/help lists commands)\n", strings.Fields(line)[0])
						mark()
						continue
					}
					running = true
					env.startRun(ctx, expanded, done)
					continue
				}
				running = true
				env.startRun(ctx, line, done)
			}
		}
	}
}

// startRun owns the agent until it sends on done; the compactor check runs on
// the same goroutine so a /fork can never race an in-flight compaction.
func (env *replEnv) startRun(ctx context.Context, text string, done chan<- error) {
	ag, comp, runCfg, ui := env.ag, env.comp, env.runCfg, env.ui
	go func() {
		before := ag.Cost().TotalCost
		_, err := ag.Prompt(ctx, text, runCfg)
		if err == nil && comp != nil {
			if res, cerr := comp.MaybeCompact(ctx, runCfg); cerr != nil {
				fmt.Fprintln(os.Stderr, "[compaction] failed:", cerr)
			} else if res != nil {
				ui.compaction(res)
			}
		}
		if delta := ag.Cost().TotalCost - before; delta > 0 {
			fmt.Fprintf(os.Stderr, "[cost] $%.4f this run, $%.4f total\n", delta, ag.Cost().TotalCost)
		}
		done <- err
	}()
}

// readOnlyCommand handles the commands that are safe while a run is active.
func (env *replEnv) readOnlyCommand(line string) bool {
	switch strings.Fields(line)[0] {
	case "/help":
		env.printHelp()
	case "/state":
		env.printState()
	case "/cost":
		env.printCost()
	case "/session":
		env.printSession()
	default:
		return false
	}
	return true
}

// command dispatches an idle-state slash command. Returns false for unknown
// commands so the caller can try prompt template expansion.
func (env *replEnv) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/help":
		env.printHelp()
	case "/state":
		env.printState()
	case "/cost":
		env.printCost()
	case "/session":
		env.printSession()
	case "/sessions":
		env.printSessions()
	case "/skills":
		env.printSkills()
	case "/templates":
		env.printTemplates()
	case "/log":
		env.printLog(15)
	case "/model":
		env.switchModel(arg)
	case "/export":
		if err := env.export(arg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	case "/fork":
		if err := env.fork(ctx, arg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	case "/compact":
		env.compactNow(ctx)
	case "/reload":
		env.reloadConfig()
	case "/abort":
		fmt.Fprintln(os.Stderr, "no run in progress")
	default:
		return false
	}
	return true
}

func (env *replEnv) printHelp() {
	fmt.Fprint(os.Stderr, `commands:
  /state            model, message count, estimated context size
  /cost             token and dollar totals for this process
  /model [id]       show or switch the model
  /session          current session file
  /sessions         recent sessions in the session directory
  /log              recent session entries (IDs are /fork targets)
  /fork <entry-id>  branch the session at an entry and continue from there
  /compact          summarize old history now
  /export [path]    write the session as a self-contained HTML page
  /skills           loaded skills
  /templates        loaded prompt templates (run one with /name args...)
  /reload           re-apply the config file
  /abort            stop the current run
  exit              quit
anything else is sent to the agent; typing during a run steers it.
`)
}

func (env *replEnv) printState() {
	st := env.ag.State()
	window := models.ContextWindowFor(st.Model.ID)
	if env.cfg.ContextWindow > 0 {
		window = env.cfg.ContextWindow
	}
	fmt.Fprintf(os.Stderr, "model: %s/%s", st.Model.Provider, st.Model.ID)
	if window > 0 {
		fmt.Fprintf(os.Stderr, " (window %d)", window)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "messages: %d, context: ~%d tokens\n", len(st.Messages), st.ContextTokens)
	if st.IsStreaming {
		fmt.Fprintln(os.Stderr, "a run is in progress")
	}
	if st.Error != "" {
		fmt.Fprintf(os.Stderr, "last error: %s\n", st.Error)
	}
}

func (env *replEnv) printCost() {
	c := env.ag.Cost()
	fmt.Fprintf(os.Stderr, "tokens: %d in / %d out\n", c.InputTokens, c.OutputTokens)
	fmt.Fprintf(os.Stderr, "cost: $%.4f ($%.4f in, $%.4f out)\n", c.TotalCost, c.InputCost, c.OutputCost)
}

func (env *replEnv) printSession() {
	if env.sess == nil {
		fmt.Fprintln(os.Stderr, "sessions are disabled")
		return
	}
	fmt.Fprintf(os.Stderr, "session %s\n  %s\n", env.sess.ID(), env.sess.FilePath())
}

func (env *replEnv) printSessions() {
	infos, err := session.List(env.sessDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if len(infos) == 0 {
		fmt.Fprintln(os.Stderr, "no sessions in", env.sessDir)
		return
	}
	for i, info := range infos {
		if i == 10 {
			fmt.Fprintf(os.Stderr, "  ... and %d more\n", len(infos)-10)
			break
		}
		marker := " "
		if env.sess != nil && info.ID == env.sess.ID() {
			marker = "*"
		}
		fmt.Fprintf(os.Stderr, " %s%s  %s  %3d msgs  %s\n",
			marker, info.ID[:8], info.Created.Format("2006-01-02 15:04"),
			info.MessageCount, truncateStr(info.FirstMessage, 48))
	}
}

func (env *replEnv) printSkills() {
	if len(env.skills) == 0 {
		fmt.Fprintln(os.Stderr, "no skills loaded")
		return
	}
	for _, s := range env.skills {
		fmt.Fprintf(os.Stderr, "  %-20s %s (%s)\n", s.Name, truncateStr(s.Description, 60), s.Source)
	}
}

func (env *replEnv) printTemplates() {
	if len(env.templates) == 0 {
		fmt.Fprintln(os.Stderr, "no prompt templates loaded")
		return
	}
	for _, t := range env.templates {
		fmt.Fprintf(os.Stderr, "  /%-19s %s (%s)\n", t.Name, truncateStr(t.Description, 60), t.Source)
	}
}

func (env *replEnv) printLog(n int) {
	if env.sess == nil {
		fmt.Fprintln(os.Stderr, "sessions are disabled")
		return
	}
	entries, err := env.sess.Entries()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "session is empty")
		return
	}
	start := len(entries) - n
	if start < 0 {
		start = 0
	}
	for _, e := range entries[start:] {
		fmt.Fprintf(os.Stderr, "  %s  %-18s %s\n", e.ID, entryLabel(e), truncateStr(entrySnippet(e), 70))
	}
}

func (env *replEnv) switchModel(id string) {
	if id == "" {
		m := env.ag.Model()
		fmt.Fprintf(os.Stderr, "current: %s/%s (%s)\n", m.Provider, m.ID, m.API)
		return
	}
	if info := models.Lookup(id); info != nil {
		env.ag.SetModel(info.Ref())
	} else {
		m := env.ag.Model()
		m.ID = id
		env.ag.SetModel(m)
	}
	if env.sess != nil {
		if _, err := env.sess.AppendModelChange(id); err != nil {
			fmt.Fprintln(os.Stderr, "warn:", err)
		}
	}
	m := env.ag.Model()
	fmt.Fprintf(os.Stderr, "switched to %s/%s\n", m.Provider, m.ID)
}

func (env *replEnv) export(outPath string) error {
	if env.sess == nil {
		return errors.New("sessions are disabled")
	}
	data, err := os.ReadFile(env.sess.FilePath())
	if err != nil {
		return err
	}
	html, err := session.ExportHTML(data, session.ExportOptions{
		Title:     "halyard session " + env.sess.ID()[:8],
		SessionID: env.sess.ID(),
		CWD:       env.sess.CWD(),
		Codec:     agent.Codec{},
	})
	if err != nil {
		return err
	}
	if outPath == "" {
		outPath = fmt.Sprintf("halyard-%s.html", env.sess.ID()[:8])
	}
	if err := os.WriteFile(outPath, html, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "exported to", outPath)
	return nil
}

// fork branches the session at an entry and points the agent at the child.
// With compaction enabled the abandoned branch is summarized into the child;
// without it the child starts clean from the fork point.
func (env *replEnv) fork(ctx context.Context, prefix string) error {
	if env.sess == nil {
		return errors.New("sessions are disabled")
	}
	if prefix == "" {
		return errors.New("usage: /fork <entry-id> (see /log)")
	}
	entries, err := env.sess.Entries()
	if err != nil {
		return err
	}
	id := ""
	for _, e := range entries {
		if strings.HasPrefix(e.ID, prefix) {
			if id != "" && id != e.ID {
				return fmt.Errorf("entry prefix %q is ambiguous", prefix)
			}
			id = e.ID
		}
	}
	if id == "" {
		return fmt.Errorf("no entry matches %q (see /log)", prefix)
	}

	var child *session.Session
	if env.comp != nil {
		child, err = env.comp.Fork(ctx, env.sessDir, id)
	} else {
		child, err = env.sess.Fork(env.sessDir, id, "")
	}
	if err != nil {
		return err
	}
	if err := env.ag.AttachSession(child); err != nil {
		child.Close()
		return err
	}
	old := env.sess
	env.sess = child
	old.Close()

	comp, err := env.newCompactor(child)
	if err != nil {
		return err
	}
	env.comp = comp
	fmt.Fprintf(os.Stderr, "forked to session %s at entry %s\n", child.ID()[:8], id)
	return nil
}

func (env *replEnv) compactNow(ctx context.Context) {
	if env.comp == nil {
		fmt.Fprintln(os.Stderr, "compaction is not enabled (set compaction.enabled in the config)")
		return
	}
	res, err := env.comp.Compact(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	env.ui.compaction(res)
}

func (env *replEnv) reloadConfig() {
	if env.reloader == nil {
		fmt.Fprintln(os.Stderr, "config watch is not active")
		return
	}
	if err := env.reloader.ReloadOnce(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Fprintln(os.Stderr, "config reloaded")
}

func entryLabel(e session.Entry) string {
	if e.Kind == session.KindMessage || e.Kind == session.KindCustomMessage {
		return string(e.Kind) + "/" + e.Role
	}
	return string(e.Kind)
}

// entrySnippet pulls a one-line description out of an entry for /log.
func entrySnippet(e session.Entry) string {
	switch e.Kind {
	case session.KindMessage, session.KindCustomMessage:
		var probe struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if json.Unmarshal(e.Message, &probe) == nil {
			for _, c := range probe.Content {
				if c.Type == "text" && c.Text != "" {
					return c.Text
				}
			}
		}
		return fmt.Sprintf("(%d bytes)", len(e.Message))
	case session.KindCompaction:
		return fmt.Sprintf("tokens_before=%d", e.TokensBefore)
	case session.KindBranchSummary:
		return e.Summary
	default:
		return e.Value
	}
}
