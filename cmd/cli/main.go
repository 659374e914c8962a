// Package main provides a terminal client that streams agent answers and
// renders them block by block.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/dataagent/internal/adapter/graphclient"
	"github.com/xiaot623/dataagent/internal/config"
	"github.com/xiaot623/dataagent/internal/domain"
	"github.com/xiaot623/dataagent/internal/logging"
	"github.com/xiaot623/dataagent/internal/router"
	"github.com/xiaot623/dataagent/internal/stream"
)

// Client runs one query at a time and remembers the thread between them.
type Client struct {
	agent    *graphclient.Client
	out      io.Writer
	logger   zerolog.Logger
	opts     []stream.Option
	agentID  string
	threadID string
	nl2sql   bool
}

// Query streams one answer to the terminal. A value on interrupt cancels it.
// Returns the final session state.
func (c *Client) Query(ctx context.Context, req domain.StreamRequest, interrupt <-chan os.Signal) (domain.SessionState, error) {
	req.AgentID = c.agentID
	req.ThreadID = c.threadID
	req.NL2SQLOnly = c.nl2sql

	r := router.New(router.NewTerminal(c.out).Sinks(), c.logger)
	h, err := c.agent.StreamSearch(ctx, req, r.Handlers(), c.opts...)
	if err != nil {
		return "", err
	}

	select {
	case <-h.Done():
	case <-interrupt:
		h.Cancel()
		<-h.Done()
		fmt.Fprintln(c.out, "\n--- cancelled ---")
	}

	if threadID := h.ThreadID(); threadID != "" && threadID != c.threadID {
		c.threadID = threadID
		fmt.Fprintf(c.out, "(thread %s)\n", threadID)
	}
	return h.State(), nil
}

// parseInput turns a line into a request. Commands:
//
//	/feedback <text>  answer the agent's plan question on the current thread
//	/reject <text>    reject the proposed plan
func parseInput(line string) (domain.StreamRequest, bool) {
	switch {
	case strings.HasPrefix(line, "/feedback "):
		content := strings.TrimSpace(strings.TrimPrefix(line, "/feedback "))
		return domain.StreamRequest{Query: content, HumanFeedback: true, HumanFeedbackContent: content}, content != ""
	case strings.HasPrefix(line, "/reject "):
		content := strings.TrimSpace(strings.TrimPrefix(line, "/reject "))
		return domain.StreamRequest{Query: content, HumanFeedback: true, HumanFeedbackContent: content, RejectedPlan: true}, content != ""
	case strings.HasPrefix(line, "/"):
		return domain.StreamRequest{}, false
	default:
		return domain.StreamRequest{Query: line}, true
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	base := flag.String("base", cfg.Agent.BaseURL, "Agent server base URL")
	agentID := flag.String("agent", "", "Agent ID to query")
	thread := flag.String("thread", "", "Continue an existing thread")
	nl2sql := flag.Bool("nl2sql", false, "Only generate SQL")
	feedback := flag.String("feedback", "", "Send this human feedback as the first request")
	reject := flag.Bool("reject", false, "With -feedback, reject the proposed plan")
	verbose := flag.Bool("v", false, "Log session details to stderr")
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "-agent is required")
		os.Exit(2)
	}

	logCfg := cfg.Log
	logCfg.Pretty = true
	if !*verbose {
		logCfg.Level = "warn"
	}
	logger, logCloser := logging.New(logCfg)
	defer logCloser.Close()

	client := &Client{
		agent:    graphclient.NewClient(*base),
		out:      os.Stdout,
		logger:   logger,
		opts:     []stream.Option{stream.WithLogger(logger), stream.WithMaxDecodeErrors(cfg.Agent.DecodeErrorLimit)},
		agentID:  *agentID,
		threadID: *thread,
		nl2sql:   *nl2sql,
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ctx := context.Background()
	run := func(req domain.StreamRequest) {
		if _, err := client.Query(ctx, req, interrupt); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	if *feedback != "" {
		run(domain.StreamRequest{Query: *feedback, HumanFeedback: true, HumanFeedbackContent: *feedback, RejectedPlan: *reject})
	}

	fmt.Printf("Connected to %s as agent %s.\n", client.agent.BaseURL(), *agentID)
	fmt.Println("Type a question and press Enter. Ctrl+C cancels a running answer.")
	fmt.Println("Commands: /feedback <text>, /reject <text>, /new, /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nBye!")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input := strings.TrimSpace(line)
			switch input {
			case "":
				continue
			case "/quit":
				fmt.Println("Bye!")
				return
			case "/new":
				client.threadID = ""
				fmt.Println("(new thread)")
				continue
			}

			req, ok := parseInput(input)
			if !ok {
				fmt.Println("unknown command")
				continue
			}
			run(req)
		}
	}
}
