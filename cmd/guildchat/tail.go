package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/questly/guildchat"
)

var tailMetricsAddr string

func init() {
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <group-id>",
	Short: "Follow a group chat live",
	Long: `Show the latest messages of a group and follow it live.

Each line typed on stdin is sent to the group. Commands:
  /more          load older history
  /delete <id>   hide a message locally
  /quit          leave (Ctrl-C works too)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID, err := parseGroupID(args[0])
		if err != nil {
			return err
		}

		logger := newLogger()
		defer logger.Sync()

		client, err := newClient(logger)
		if err != nil {
			return err
		}

		if tailMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: tailMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session := client.Session(groupID)
		printer := newTailPrinter(os.Stdout)
		session.OnChange(printer.update)

		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := session.Initialize(fetchCtx, true); err != nil {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		}
		cancel()
		defer session.Teardown()

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runTailInput(ctx, session, line, os.Stdout); quit {
					return nil
				}
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// tailSession is the part of guildchat.Session the input loop drives.
type tailSession interface {
	LoadMoreHistory(ctx context.Context) error
	DeleteLocal(id guildchat.MessageID)
	SendMessage(ctx context.Context, text string) bool
}

// runTailInput handles one stdin line and reports whether to quit.
func runTailInput(ctx context.Context, s tailSession, line string, w io.Writer) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "/quit":
		return true
	case trimmed == "/more":
		if err := s.LoadMoreHistory(ctx); err != nil {
			fmt.Fprintf(w, "! could not load older messages: %v\n", err)
		}
	case strings.HasPrefix(trimmed, "/delete"):
		arg := strings.TrimSpace(strings.TrimPrefix(trimmed, "/delete"))
		id, err := guildchat.ParseMessageID(strings.TrimPrefix(arg, "#"))
		if err != nil {
			fmt.Fprintf(w, "! usage: /delete <message-id>\n")
			return false
		}
		s.DeleteLocal(id)
	case trimmed == "":
	default:
		if !s.SendMessage(ctx, line) {
			fmt.Fprintln(w, "! not sent, offline")
		}
	}
	return false
}

// tailPrinter renders snapshot changes as a chat log: new messages in
// chronological order, removals, and connection state changes.
type tailPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	shown   map[guildchat.MessageID]bool
	state   guildchat.ConnectionState
	hasMore bool
}

func newTailPrinter(w io.Writer) *tailPrinter {
	return &tailPrinter{w: w, shown: map[guildchat.MessageID]bool{}, state: guildchat.StateIdle}
}

func (p *tailPrinter) update(snap guildchat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.ConnectionState != p.state {
		p.state = snap.ConnectionState
		fmt.Fprintf(p.w, "* %s\n", p.state)
	}

	present := make(map[guildchat.MessageID]bool, len(snap.Messages))
	for _, m := range snap.Messages {
		present[m.ID] = true
	}
	for id := range p.shown {
		if !present[id] {
			delete(p.shown, id)
			fmt.Fprintf(p.w, "- #%s deleted\n", id)
		}
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		m := snap.Messages[i]
		if p.shown[m.ID] {
			continue
		}
		p.shown[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m))
	}

	if p.hasMore && !snap.HasMore && !snap.LoadingMore {
		fmt.Fprintln(p.w, "* beginning of history")
	}
	p.hasMore = snap.HasMore
}
