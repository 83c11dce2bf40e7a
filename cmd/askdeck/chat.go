package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/askdeck/askdeck/pkg/chat"
	"github.com/askdeck/askdeck/pkg/events"
	"github.com/askdeck/askdeck/pkg/generation"
	"github.com/askdeck/askdeck/pkg/session"
	"github.com/askdeck/askdeck/pkg/store"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context())
		},
	}
}

func runChat(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	profile, err := loadProfile(viper.GetString("profile"))
	if err != nil {
		return err
	}
	if model := viper.GetString("model"); model != "" {
		profile.Model = model
	}

	sqlStore, err := store.NewSQLiteStore(viper.GetString("db"))
	if err != nil {
		return err
	}
	defer func() {
		if err := sqlStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}()

	clientOptions := []generation.OpenAIOption{
		generation.WithModel(profile.Model),
		generation.WithFastModel(profile.FastModel),
	}
	if profile.SystemPrompt != "" {
		clientOptions = append(clientOptions, generation.WithSystemPrompt(profile.SystemPrompt))
	}
	client := generation.NewOpenAIClient(apiKey(), viper.GetString("base-url"), clientOptions...)

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	router.AddHandler("console", "chat", events.StepPrinterFunc("chat", os.Stdout))

	manager := events.NewPublisherManager()
	manager.SubscribePublisher("chat", router.Publisher)

	orchestrator := chat.NewOrchestrator(sqlStore, client,
		chat.WithTenantID(viper.GetString("tenant")),
		chat.WithEventSinks(events.NewPublisherManagerSink(manager)),
	)
	if err := orchestrator.Init(ctx); err != nil {
		return err
	}
	defer orchestrator.Teardown()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer cancel()
		return router.Run(egCtx)
	})
	eg.Go(func() error {
		defer func() {
			if err := router.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close event router")
			}
		}()
		<-router.Running()
		return repl(egCtx, orchestrator, profile)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func repl(ctx context.Context, o *chat.Orchestrator, profile Profile) error {
	fmt.Println("askdeck chat. Type a question, /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Printf("%s> ", promptLabel(o))
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(ctx, o, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		handle, err := o.SendMessage(ctx, line, profile.GenerationOptions())
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		waitForTurn(ctx, o, handle)
	}
}

func promptLabel(o *chat.Orchestrator) string {
	id := o.ActiveConversationID()
	if id == "" {
		return "new"
	}
	return id
}

// waitForTurn blocks until the streamed answer finished. Ctrl-C stops the
// generation but keeps the partial answer.
func waitForTurn(ctx context.Context, o *chat.Orchestrator, handle *session.Handle) {
	select {
	case <-handle.Done():
	case <-ctx.Done():
		if err := o.Stop(); err == nil {
			handle.Wait()
		}
	}
	snapshot := handle.Snapshot()
	if snapshot.Status == session.StatusErrored && snapshot.Err != nil {
		fmt.Printf("generation failed: %v (use /regenerate to retry)\n", snapshot.Err)
	}
}

func runCommand(ctx context.Context, o *chat.Orchestrator, line string) (bool, error) {
	parts := strings.Fields(line)
	command, args := parts[0], parts[1:]

	switch command {
	case "/help":
		fmt.Println("/conversations  list conversations")
		fmt.Println("/switch <id>    switch conversation (no id for a new one)")
		fmt.Println("/rename <id> <title>")
		fmt.Println("/delete <id>")
		fmt.Println("/stop           stop the in-flight generation")
		fmt.Println("/regenerate     rerun the last question")
		fmt.Println("/quit")
		return false, nil

	case "/conversations":
		printConversations(os.Stdout, o.Conversations(), o.ActiveConversationID())
		return false, nil

	case "/switch":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		return false, o.SelectConversation(ctx, id)

	case "/rename":
		if len(args) < 2 {
			return false, errors.New("usage: /rename <id> <title>")
		}
		return false, o.RenameConversation(ctx, args[0], strings.Join(args[1:], " "))

	case "/delete":
		if len(args) < 1 {
			return false, errors.New("usage: /delete <id>")
		}
		return false, o.DeleteConversation(ctx, args[0])

	case "/stop":
		return false, o.Stop()

	case "/regenerate":
		handle, err := o.Regenerate(ctx, generation.Options{Citations: true})
		if err != nil {
			return false, err
		}
		waitForTurn(ctx, o, handle)
		return false, nil

	case "/quit", "/exit":
		return true, nil

	default:
		return false, errors.Errorf("unknown command %s", command)
	}
}
