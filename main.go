package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"personago/internal/api"
	"personago/internal/auth"
	"personago/internal/models"
	"personago/internal/worker"
)

var cfgPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "personago",
		Short:         "Autonomous social media persona agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load(".env")
			if cfgPath == "" {
				cfgPath = os.Getenv("PERSONAGO_CONFIG")
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (json or yaml), defaults to $PERSONAGO_CONFIG or config.json")
	root.AddCommand(runCmd(), postCmd(), respondCmd(), messagesCmd(), migrateCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every enabled platform loop and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.build(ctx); err != nil {
				return err
			}
			if len(a.schedulers) == 0 {
				return errors.New("no platforms enabled")
			}

			manager := worker.NewManager(a.log.With("component", "worker"))
			posters := make(map[string]api.Poster, len(a.schedulers))
			for name, s := range a.schedulers {
				if err := manager.Add(s); err != nil {
					return err
				}
				posters[name] = s
			}

			handler := api.NewHandler(api.Deps{
				Character: a.cfg.Character,
				Auth:      auth.NewService(a.cfg.BasicConfig.AdminToken),
				Messages:  a.messages,
				Settings:  a.settings,
				Runner:    manager,
				Posters:   posters,
				Responder: a.generator,
			})
			router := gin.Default()
			handler.RegisterRoutes(router)

			addr := a.cfg.BasicConfig.ServerAddress
			if addr == "" {
				addr = ":8090"
			}
			srv := &http.Server{Addr: addr, Handler: router}
			go func() {
				a.log.Info("admin api listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error("admin api stopped", "error", err)
				}
			}()

			manager.Start(ctx)
			<-ctx.Done()
			a.log.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("admin api shutdown", "error", err)
			}
			manager.Wait()
			return nil
		},
	}
}

func postCmd() *cobra.Command {
	var platformName string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Generate and publish one post now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.build(cmd.Context()); err != nil {
				return err
			}
			s, err := a.loop(platformName)
			if err != nil {
				return err
			}
			msg, err := s.PostNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s: %s\n", msg.ID, msg.Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", models.PlatformTwitter, "platform to post to")
	return cmd
}

func respondCmd() *cobra.Command {
	var platformName, author, text string
	cmd := &cobra.Command{
		Use:   "respond",
		Short: "Generate a response to some text without publishing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" {
				return errors.New("--text is required")
			}
			a, err := openApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.build(cmd.Context()); err != nil {
				return err
			}
			msg := &models.Message{ID: "manual", Platform: platformName, Author: author, Content: text, WenPosted: time.Now()}
			gen, err := a.generator.GenerateResponse(cmd.Context(), a.cfg.Character, msg, []*models.Message{msg})
			if err != nil {
				return err
			}
			if gen == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "(no response: filtered or responding disabled)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), gen.Content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", models.PlatformTwitter, "platform the message came from")
	cmd.Flags().StringVar(&author, "author", "someone", "author of the message")
	cmd.Flags().StringVarP(&text, "text", "t", "", "message to respond to")
	return cmd
}

func messagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Manage stored messages",
	}
	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored message of the character",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to delete messages without --yes")
			}
			a, err := openApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.messages.Clear(cmd.Context(), a.cfg.Character.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d messages of %s\n", n, a.cfg.Character.Name)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible delete")
	cmd.AddCommand(clearCmd)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database\n", a.driver)
			return nil
		},
	}
}
