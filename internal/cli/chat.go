package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/chzyer/readline"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// sessionIDAlphabet keeps generated ids path-safe and easy to type.
const sessionIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var (
	chatSession string
	chatRepo    string
	chatQuery   string
	chatPlain   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about a repository",
	Long: `Start an interactive chat about the repository, or answer a single
question with --query. Turns are recorded in the session's progress log.

REPL commands: /plan, /findings, /progress, /session, exit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id (generated when empty)")
	chatCmd.Flags().StringVar(&chatRepo, "repo", "", "repository to analyse (default: config repo_path or the working directory)")
	chatCmd.Flags().StringVarP(&chatQuery, "query", "q", "", "answer one question and exit")
	chatCmd.Flags().BoolVar(&chatPlain, "plain", false, "print replies without markdown rendering")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if chatRepo != "" {
		abs, err := filepath.Abs(chatRepo)
		if err != nil {
			return fmt.Errorf("invalid repo path: %w", err)
		}
		cfg.RepoPath = abs
	}

	a, err := newApp(cfg, appOptions{withAgent: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := chatSession
	if sessionID == "" {
		sessionID, err = newSessionID()
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.manager.Session(ctx, sessionID); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	render := newRenderer(chatPlain)

	if chatQuery != "" {
		return chatOnce(ctx, a, sessionID, chatQuery, out, render)
	}

	fmt.Fprintf(out, "Session: %s\nRepository: %s\n\n", sessionID, cfg.RepoPath)
	return chatLoop(ctx, a, sessionID, out, render, filepath.Join(cfg.DataDir, "chat_history"))
}

func newSessionID() (string, error) {
	id, err := gonanoid.Generate(sessionIDAlphabet, 10)
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return id, nil
}

func chatOnce(ctx context.Context, a *app, sessionID, query string, out io.Writer, render func(string) string) error {
	res, err := a.manager.Chat(ctx, sessionID, query, "")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, render(res.Reply))
	return nil
}

func chatLoop(ctx context.Context, a *app, sessionID string, out io.Writer, render func(string) string, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "devmind> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(input) == 0 {
				return nil
			}
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case "exit", "quit", "q":
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if err := replCommand(a, sessionID, input, out); err != nil {
				fmt.Fprintf(out, "Error: %v\n\n", err)
			}
			continue
		}

		res, err := a.manager.Chat(ctx, sessionID, input, "")
		if err != nil {
			// Storage failures mean the session can no longer record turns.
			return err
		}
		fmt.Fprintf(out, "\n%s\n", render(res.Reply))
		if ctx.Err() != nil {
			return nil
		}
	}
}

func replCommand(a *app, sessionID, input string, out io.Writer) error {
	sess, err := a.store.CreateOrOpen(sessionID)
	if err != nil {
		return err
	}
	switch input {
	case "/plan":
		text, err := sess.ReadPlan()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, text)
	case "/findings":
		findings, err := sess.Findings()
		if err != nil {
			return err
		}
		printFindings(out, findings)
	case "/progress":
		entries, err := sess.Progress()
		if err != nil {
			return err
		}
		printProgress(out, entries, 20)
	case "/session":
		fmt.Fprintf(out, "%s (%s)\n", sess.ID(), sess.Dir())
	default:
		return fmt.Errorf("unknown command %s", input)
	}
	return nil
}

// newRenderer returns a markdown renderer sized to the terminal, or the
// identity function when output is not a terminal.
func newRenderer(plain bool) func(string) string {
	fd := int(os.Stdout.Fd())
	if plain || !term.IsTerminal(fd) {
		return func(s string) string { return s }
	}

	width := 80
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		width = w - 4
		if width > 120 {
			width = 120
		}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return func(s string) string { return s }
	}
	return func(s string) string {
		rendered, err := r.Render(s)
		if err != nil {
			return s
		}
		return strings.TrimRight(rendered, "\n")
	}
}
