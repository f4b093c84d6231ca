package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/mneme/internal/session"
)

// sessionFlag adds --session to cmd and returns where its value lands.
func sessionFlag(cmd *cobra.Command) *string {
	id := new(string)
	cmd.Flags().StringVarP(id, "session", "s", defaultSessionID, "session id")
	return id
}

// withEnv wraps a RunE body with runtime setup and teardown.
func withEnv(opts *rootOptions, fn func(ctx context.Context, env *runtimeEnv, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := prepareRuntimeEnv(ctx, opts)
		if err != nil {
			return err
		}
		defer env.Close()
		return fn(ctx, env, args)
	}
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively with memory",
	}
	id := sessionFlag(cmd)
	cmd.RunE = withEnv(opts, func(ctx context.Context, env *runtimeEnv, _ []string) error {
		return runREPL(ctx, env, *id, os.Stdin, os.Stdout)
	})
	return cmd
}

// runREPL reads one user turn per line. Lines starting with a slash are
// commands: /reset, /status, /search <query>, /quit.
func runREPL(ctx context.Context, env *runtimeEnv, id string, in io.Reader, out io.Writer) error {
	welcome, err := env.Service.Welcome(ctx, id)
	if err != nil {
		fmt.Fprintf(out, "(greeting unavailable: %v)\n", err)
	} else if welcome.Message != "" {
		fmt.Fprintf(out, "ai> %s\n", welcome.Message)
	}

	s := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !s.Scan() {
			fmt.Fprintln(out)
			return s.Err()
		}
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/reset":
			if err := env.Service.Reset(ctx, id); err != nil {
				return err
			}
			fmt.Fprintln(out, "(memory cleared)")
			continue
		case line == "/status":
			if err := printStatus(ctx, env, id, out); err != nil {
				return err
			}
			continue
		case strings.HasPrefix(line, "/search "):
			if err := printSearch(ctx, env, id, strings.TrimSpace(strings.TrimPrefix(line, "/search ")), 5, out); err != nil {
				fmt.Fprintf(out, "(search failed: %v)\n", err)
			}
			continue
		}

		chunks, err := env.Service.Chat(ctx, session.ChatRequest{
			SessionID: id,
			Message:   line,
			Model:     env.Model(),
		})
		if err != nil {
			return err
		}
		fmt.Fprint(out, "ai> ")
		for chunk := range chunks {
			switch chunk.Type {
			case session.ChunkToken:
				fmt.Fprint(out, chunk.Content)
			case session.ChunkError:
				fmt.Fprintf(out, "\n(error: %s)", chunk.Content)
			}
		}
		fmt.Fprintln(out)
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget everything stored for a session",
	}
	id := sessionFlag(cmd)
	cmd.RunE = withEnv(opts, func(ctx context.Context, env *runtimeEnv, _ []string) error {
		if err := env.Service.Reset(ctx, *id); err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]bool{"success": true})
	})
	return cmd
}

func newWelcomeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "welcome",
		Short: "Print a greeting for a returning user",
	}
	id := sessionFlag(cmd)
	cmd.RunE = withEnv(opts, func(ctx context.Context, env *runtimeEnv, _ []string) error {
		resp, err := env.Service.Welcome(ctx, *id)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), resp)
	})
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is remembered for a session",
	}
	id := sessionFlag(cmd)
	cmd.RunE = withEnv(opts, func(ctx context.Context, env *runtimeEnv, _ []string) error {
		return printStatus(ctx, env, *id, cmd.OutOrStdout())
	})
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search a session's long-term memory",
		Args:  cobra.MinimumNArgs(1),
	}
	id := sessionFlag(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "k", 5, "maximum number of hits")
	cmd.RunE = withEnv(opts, func(ctx context.Context, env *runtimeEnv, args []string) error {
		return printSearch(ctx, env, *id, strings.Join(args, " "), limit, cmd.OutOrStdout())
	})
	return cmd
}

func printStatus(ctx context.Context, env *runtimeEnv, id string, out io.Writer) error {
	view, err := env.Service.Status(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(out, view)
}

func printSearch(ctx context.Context, env *runtimeEnv, id, query string, limit int, out io.Writer) error {
	hits, err := env.Service.Search(ctx, id, query, limit)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"query": query, "hits": hits})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
