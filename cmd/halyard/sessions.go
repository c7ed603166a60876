package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halyard-dev/halyard/pkg/agent"
	"github.com/halyard-dev/halyard/pkg/session"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsExportCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		dir   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(sessionsDir(dir), limit)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "session directory (default: from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show")
	return cmd
}

func runSessionsList(dir string, limit int) error {
	infos, err := session.List(dir)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no sessions in", dir)
		return nil
	}
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	for _, info := range infos {
		extra := ""
		if info.Compactions > 0 {
			extra = fmt.Sprintf("  compactions=%d", info.Compactions)
		}
		fmt.Printf("%s  %s  %3d msgs%s  %s\n",
			info.ID[:8], info.Created.Format("2006-01-02 15:04"),
			info.MessageCount, extra, truncateStr(info.FirstMessage, 60))
	}
	return nil
}

func buildSessionsExportCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "export <session-id> [output.html]",
		Short: "Render a session as a self-contained HTML page",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := ""
			if len(args) > 1 {
				out = args[1]
			}
			return runSessionsExport(sessionsDir(dir), args[0], out)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "session directory (default: from config)")
	return cmd
}

func runSessionsExport(dir, idPrefix, out string) error {
	info, err := findSession(dir, idPrefix)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		return err
	}
	html, err := session.ExportHTML(data, session.ExportOptions{
		Title:     "halyard session " + info.ID[:8],
		SessionID: info.ID,
		CWD:       info.CWD,
		Created:   info.Created,
		Codec:     agent.Codec{},
	})
	if err != nil {
		return err
	}
	if out == "" {
		out = fmt.Sprintf("halyard-%s.html", info.ID[:8])
	}
	if err := os.WriteFile(out, html, 0o644); err != nil {
		return err
	}
	fmt.Println("wrote", out)
	return nil
}

// sessionsDir resolves the directory to inspect: the --dir flag, the config's
// session_dir, then the default location.
func sessionsDir(flag string) string {
	if flag != "" {
		return flag
	}
	if cfg, err := agent.LoadFileConfig(agent.DefaultConfigPath()); err == nil && cfg.SessionDir != "" {
		return cfg.SessionDir
	}
	return session.DefaultDir()
}

func findSession(dir, idPrefix string) (session.Info, error) {
	infos, err := session.List(dir)
	if err != nil {
		return session.Info{}, err
	}
	var match session.Info
	found := false
	for _, info := range infos {
		if strings.HasPrefix(info.ID, idPrefix) {
			if found {
				return session.Info{}, fmt.Errorf("session ID prefix %q is ambiguous", idPrefix)
			}
			match, found = info, true
		}
	}
	if !found {
		return session.Info{}, fmt.Errorf("no session matches %q in %s", idPrefix, dir)
	}
	return match, nil
}
