package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/term"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/compact"
	"github.com/halyard-dev/halyard/pkg/llm"
	"github.com/halyard-dev/halyard/pkg/prompts"
	"github.com/halyard-dev/halyard/pkg/session"
	"github.com/halyard-dev/halyard/pkg/skills"
	"github.com/halyard-dev/halyard/pkg/telemetry"
	"github.com/halyard-dev/halyard/pkg/tools"
	"github.com/halyard-dev/halyard/pkg/tools/builtin"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		workDir    string
		resume     string
		noSession  bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run a prompt, or start an interactive session on a TTY",
		Long: `Run sends a prompt through the agent loop and prints the response.

With no prompt and a terminal on stdin it starts a REPL; with no prompt and
piped stdin it reads the whole input as a one-shot prompt. Conversations are
persisted as JSONL sessions unless --no-session is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), runParams{
				configPath: configPath,
				workDir:    workDir,
				resume:     resume,
				prompt:     strings.TrimSpace(strings.Join(args, " ")),
				noSession:  noSession,
				debug:      debug,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", agent.DefaultConfigPath(), "config file")
	cmd.Flags().StringVar(&workDir, "cwd", "", "working directory for file tools (default: process cwd)")
	cmd.Flags().StringVarP(&resume, "resume", "r", "", "resume a session by ID prefix")
	cmd.Flags().BoolVar(&noSession, "no-session", false, "do not persist this conversation")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging to stderr")
	return cmd
}

type runParams struct {
	configPath string
	workDir    string
	resume     string
	prompt     string
	noSession  bool
	debug      bool
}

// replEnv bundles everything the REPL commands operate on. sess and comp are
// swapped by /fork, so the deferred cleanup in runRun reads them through the
// struct rather than captured locals.
type replEnv struct {
	cfg      *agent.FileConfig
	ag       *agent.Agent
	sess     *session.Session
	comp     *compact.Compactor
	reloader *agent.ConfigReloader
	runCfg   agent.RunConfig
	ui       *printer

	skills    []skills.Skill
	templates []prompts.Template
	sessDir   string

	// newCompactor rebuilds the compactor against a forked session.
	newCompactor func(*session.Session) (*compact.Compactor, error)
}

func runRun(ctx context.Context, p runParams) error {
	cfg, err := agent.LoadFileConfig(p.configPath)
	if err != nil {
		return err
	}

	cwd := p.workDir
	if cwd == "" {
		cwd = cfg.Tools.WorkDir
	}
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return err
		}
	}
	if cwd, err = filepath.Abs(cwd); err != nil {
		return err
	}

	logger := slog.New(slog.DiscardHandler)
	if p.debug {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	keyFor := apiKeyFor(cfg)

	preset := builtin.Preset(cfg.ToolPreset())
	switch preset {
	case builtin.PresetCoding, builtin.PresetReadOnly, builtin.PresetAll, builtin.PresetWeb, builtin.PresetNone:
	default:
		return fmt.Errorf("unknown tools preset %q", cfg.Tools.Preset)
	}
	toolReg := tools.NewRegistry()
	builtin.Register(toolReg, preset, cwd)
	for _, pc := range cfg.Tools.Plugins {
		t, err := tools.LoadPlugin(pc.Path, pc.Args...)
		if err != nil {
			return fmt.Errorf("load plugin %s: %w", pc.Path, err)
		}
		defer tools.ClosePlugin(t)
		toolReg.Register(t)
		fmt.Fprintf(os.Stderr, "loaded plugin tool: %s\n", t.Definition().Name)
	}

	agentSkills := skills.LoadSkills(cwd)
	templates := prompts.LoadTemplates(cwd)

	sysPrompt := agent.BuildSystemPrompt(agent.SystemPromptOptions{
		CustomPrompt: cfg.SystemPrompt,
		ActiveTools:  toolReg.Names(),
		Cwd:          cwd,
		SkillsBlock:  skills.FormatSkillsForPrompt(agentSkills),
	})

	sessDir := cfg.SessionDir
	if sessDir == "" {
		sessDir = session.DefaultDir()
	}
	var sess *session.Session
	switch {
	case p.noSession:
	case p.resume != "":
		if sess, err = session.Load(sessDir, p.resume); err != nil {
			return err
		}
	default:
		if sess, err = session.Create(sessDir, cwd); err != nil {
			fmt.Fprintf(os.Stderr, "warn: sessions disabled: %v\n", err)
			sess = nil
		}
	}

	ag, err := agent.New(agent.Options{
		SystemPrompt:  sysPrompt,
		Model:         cfg.ResolveModel(),
		Registry:      registry,
		Tools:         toolReg,
		Session:       sess,
		StreamOptions: cfg.StreamOpts(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if p.resume != "" && sess != nil {
		fmt.Fprintf(os.Stderr, "resumed session %s (%d messages)\n", sess.ID()[:8], len(ag.Messages()))
	}

	ui := &printer{out: os.Stdout, err: os.Stderr}
	defer ag.Subscribe(ui.handle)()

	topts := telemetry.Options{}
	if sess != nil {
		topts.Attrs = []attribute.KeyValue{attribute.String("session.id", sess.ID())}
	}
	if bridge, err := telemetry.New(topts); err == nil {
		defer bridge.Attach(ag)()
	} else {
		logger.Debug("telemetry disabled", "error", err)
	}

	// The summarizer has no per-call key hook, so resolve its key up front.
	sumOpts := cfg.StreamOpts()
	if key, err := keyFor(cfg.Provider); err == nil && key != "" {
		sumOpts.APIKey = key
	}
	newCompactor := func(s *session.Session) (*compact.Compactor, error) {
		if s == nil || !cfg.Compaction.Enabled {
			return nil, nil
		}
		return compact.New(compact.Options{
			Agent:   ag,
			Session: s,
			Summarizer: &compact.Summarizer{
				Registry:      registry,
				Model:         cfg.ResolveModel(),
				Options:       sumOpts,
				ReserveTokens: cfg.Compaction.ReserveTokens,
			},
			ContextWindow:    cfg.ResolveContextWindow(),
			ReserveTokens:    cfg.Compaction.ReserveTokens,
			KeepRecentTokens: cfg.Compaction.KeepRecentTokens,
			Logger:           logger,
		})
	}
	comp, err := newCompactor(sess)
	if err != nil {
		return err
	}

	env := &replEnv{
		cfg:          cfg,
		ag:           ag,
		sess:         sess,
		comp:         comp,
		runCfg:       agent.RunConfig{MaxTurns: cfg.MaxTurns, GetAPIKey: keyFor},
		ui:           ui,
		skills:       agentSkills,
		templates:    templates,
		sessDir:      sessDir,
		newCompactor: newCompactor,
	}
	defer func() {
		if env.sess != nil {
			env.sess.Close()
		}
	}()

	// Ctrl-C aborts the in-flight run; the process keeps going.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			ag.Abort()
		}
	}()

	prompt := p.prompt
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if prompt == "" && !interactive {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt != "" {
		return env.runOnce(ctx, prompt)
	}
	if !interactive {
		return errors.New("no prompt given and stdin is not a terminal")
	}

	rel := agent.NewConfigReloader(p.configPath, ag, logger)
	rel.OnReload = func(newCfg *agent.FileConfig) {
		fmt.Fprintf(os.Stderr, "[config] reloaded: model=%s\n", newCfg.Model)
	}
	if err := rel.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "warn: config watch disabled: %v\n", err)
	} else {
		defer rel.Stop()
		env.reloader = rel
	}

	return repl(ctx, env)
}

// runOnce executes a single prompt and reports a stream failure as a command
// error so piped callers get a nonzero exit.
func (env *replEnv) runOnce(ctx context.Context, text string) error {
	msgs, err := env.ag.Prompt(ctx, text, env.runCfg)
	if err != nil {
		return err
	}
	if env.comp != nil {
		res, cerr := env.comp.MaybeCompact(ctx, env.runCfg)
		switch {
		case cerr != nil:
			fmt.Fprintf(os.Stderr, "[compaction] failed: %v\n", cerr)
		case res != nil:
			env.ui.compaction(res)
			if res.Recovered {
				return nil
			}
		}
	}
	if am, ok := lastAssistant(msgs); ok && am.StopReason == llm.StopReasonError {
		return fmt.Errorf("run failed: %s", am.ErrorMessage)
	}
	return nil
}

func lastAssistant(msgs []llm.Message) (llm.AssistantMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if am, ok := msgs[i].(llm.AssistantMessage); ok {
			return am, true
		}
	}
	return llm.AssistantMessage{}, false
}
