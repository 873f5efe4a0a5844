package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/slide-translator/internal/config"
	"github.com/MimeLyc/slide-translator/internal/glossary"
	"github.com/MimeLyc/slide-translator/internal/httpapi"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/service"
	"github.com/MimeLyc/slide-translator/pkg/file"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// Flags holds the persistent flags shared by every subcommand.
type Flags struct {
	EnvFile      string
	SettingsFile string
}

// Runtime lets callers replace how the application is assembled.
type Runtime struct {
	Overrides service.Overrides
	// ConfigOptions are applied after environment and settings file.
	ConfigOptions []config.Option
}

// CreateRootCommand creates and configures the root cobra command.
func CreateRootCommand(flags *Flags, rt Runtime) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "slidetrans",
		Short: "Batch translation of presentation decks",
		Long: `slidetrans queues presentation files for translation and runs the
worker that processes them.

Examples:
  slidetrans credits set alice 500
  slidetrans submit --user alice --target fr deck1.json deck2.pptx
  slidetrans status <job-id>
  slidetrans worker`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&flags.SettingsFile, "settings", "", "runtime settings file (default $SETTINGS_FILE or "+config.DefaultRuntimeSettingsFile+")")

	h := &handler{flags: flags, rt: rt}
	rootCmd.AddCommand(
		h.serveCommand(),
		h.workerCommand(),
		h.submitCommand(),
		h.statusCommand(),
		h.cancelCommand(),
		h.retryCommand(),
		h.translateCommand(),
		h.creditsCommand(),
		h.glossaryCommand(),
		h.settingsCommand(),
	)
	return rootCmd
}

type handler struct {
	flags *Flags
	rt    Runtime
}

func (h *handler) settingsPath() string {
	if h.flags.SettingsFile != "" {
		return h.flags.SettingsFile
	}
	return config.RuntimeSettingsFilePath()
}

func (h *handler) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(h.flags.EnvFile); err != nil {
		return nil, err
	}
	settings, err := config.WithRuntimeSettingsFile(h.settingsPath())
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewFromEnv(append([]config.Option{settings}, h.rt.ConfigOptions...)...)
	if err != nil {
		return nil, err
	}
	log.SetLogger(log.NewLoggerWithOptions(cfg.Log.Level, log.Options{JSON: cfg.Log.JSON, OutputPaths: []string{"stderr"}}))
	return cfg, nil
}

// withApp builds the application for the duration of one command.
func (h *handler) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *service.App) error) error {
	cfg, err := h.loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := service.New(ctx, cfg, h.rt.Overrides)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Error("Failed to close application: %v", err)
		}
	}()
	return fn(ctx, app)
}

func (h *handler) serveCommand() *cobra.Command {
	var (
		addr     string
		noWorker bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				if addr == "" {
					addr = app.Config.Server.Addr
				}
				server := httpapi.NewServer(app.Jobs, app.Ledger, app)

				g, gctx := errgroup.WithContext(ctx)
				if !noWorker {
					worker, err := app.NewWorker()
					if err != nil {
						return err
					}
					g.Go(func() error {
						return worker.Run(gctx)
					})
				}
				g.Go(func() error {
					if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $HTTP_ADDR)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without processing jobs")
	return cmd
}

func (h *handler) workerCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued batch jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				worker, err := app.NewWorker()
				if err != nil {
					return err
				}
				if !once {
					return worker.Run(ctx)
				}
				if _, err := worker.Sweep(ctx); err != nil {
					return err
				}
				claimed, err := worker.Tick(ctx)
				if err != nil {
					return err
				}
				if !claimed {
					fmt.Fprintln(cmd.OutOrStdout(), "no pending jobs")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "sweep stalled jobs, process at most one job and exit")
	return cmd
}

func (h *handler) submitCommand() *cobra.Command {
	var (
		userID string
		opts   jobs.Options
		exts   []string
	)
	cmd := &cobra.Command{
		Use:   "submit [files or directories...]",
		Short: "Queue files for translation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args, exts)
			if err != nil {
				return err
			}
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				if opts.TargetLang == "" {
					opts.TargetLang = app.Config.Translate.TargetLanguage.String()
				}
				id, err := app.Jobs.SubmitBatchJob(ctx, userID, files, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user charged for the job")
	cmd.Flags().StringVarP(&opts.TargetLang, "target", "t", "", "target language (default $TARGET_LANGUAGE)")
	cmd.Flags().StringVarP(&opts.SourceLang, "source", "s", "", "source language, empty or auto to detect")
	cmd.Flags().StringVar(&opts.Model, "model", "", "provider model for this job")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "parallel provider calls per file")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "retries per text unit")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "output directory")
	cmd.Flags().StringSliceVar(&exts, "ext", []string{".json", ".pptx"}, "extensions picked up from directories")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// collectFiles expands directories into the files they contain.
func collectFiles(args, exts []string) ([]jobs.FileRef, error) {
	var refs []jobs.FileRef
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			refs = append(refs, jobs.FileRef{Name: filepath.Base(arg), Path: arg})
			continue
		}
		found, err := file.FindByExt(arg, exts...)
		if err != nil {
			return nil, err
		}
		for _, path := range found {
			refs = append(refs, jobs.FileRef{Name: filepath.Base(path), Path: path})
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("no files found in %s", strings.Join(args, ", "))
	}
	return refs, nil
}

func (h *handler) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				view, err := app.Jobs.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func (h *handler) cancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				job, err := app.Jobs.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func (h *handler) retryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Queue a failed or cancelled job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				id, err := app.Jobs.RetryJob(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func (h *handler) translateCommand() *cobra.Command {
	var userID, source, target string
	cmd := &cobra.Command{
		Use:   "translate [texts...]",
		Short: "Translate texts directly, charging the user per text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
				if target == "" {
					target = app.Config.Translate.TargetLanguage.String()
				}
				outcome, err := app.TranslateTexts(ctx, userID, args, source, target)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range outcome.Results {
					fmt.Fprintf(out, "%d\t%s\n", r.Index, r.Translated)
				}
				for _, f := range outcome.Failures {
					fmt.Fprintf(out, "%d\tFAILED after %d attempts: %v\n", f.Unit.Index, f.Attempts, f.Err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user charged for the translation")
	cmd.Flags().StringVarP(&source, "source", "s", "", "source language, empty or auto to detect")
	cmd.Flags().StringVarP(&target, "target", "t", "", "target language (default $TARGET_LANGUAGE)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (h *handler) creditsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect or change credit balances",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <user>",
			Short: "Print a user's balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
					balance, err := app.Ledger.Balance(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), balance)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <user> <balance>",
			Short: "Overwrite a user's balance",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				balance, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid balance %q: %w", args[1], err)
				}
				return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
					return app.Ledger.SetBalance(ctx, args[0], balance)
				})
			},
		},
		&cobra.Command{
			Use:   "check <user> <amount>",
			Short: "Report whether a user can afford amount credits",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid amount %q: %w", args[1], err)
				}
				return h.withApp(cmd, func(ctx context.Context, app *service.App) error {
					check, err := app.Ledger.CheckSufficientCredits(ctx, args[0], amount)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), check)
				})
			},
		},
	)
	return cmd
}

func (h *handler) glossaryCommand() *cobra.Command {
	var dir, source, target string
	cmd := &cobra.Command{
		Use:   "glossary",
		Short: "Manage per-directory translation glossaries",
	}
	cmd.PersistentFlags().StringVarP(&dir, "dir", "d", ".", "directory holding the decks")
	cmd.PersistentFlags().StringVarP(&source, "source", "s", "en", "source language")
	cmd.PersistentFlags().StringVarP(&target, "target", "t", "", "target language")
	_ = cmd.MarkPersistentFlagRequired("target")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <term=translation>...",
			Short: "Add or replace terms in the directory's glossary",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := filepath.Join(dir, glossary.Filename(source, target))
				g, err := glossary.Load(path)
				if errors.Is(err, os.ErrNotExist) {
					g, err = glossary.Glossary{}, nil
				}
				if err != nil {
					return err
				}
				if g == nil {
					g = glossary.Glossary{}
				}
				for _, arg := range args {
					term, translation, ok := strings.Cut(arg, "=")
					if !ok || strings.TrimSpace(term) == "" {
						return fmt.Errorf("expected term=translation, got %q", arg)
					}
					g[strings.TrimSpace(term)] = strings.TrimSpace(translation)
				}
				if err := glossary.Save(path, g); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the glossary that applies to the directory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				path := glossary.FindInAncestors(dir, source, target)
				if path == "" {
					return fmt.Errorf("no %s found from %s", glossary.Filename(source, target), dir)
				}
				g, err := glossary.Load(path)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), g)
			},
		},
	)
	return cmd
}

func (h *handler) settingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage the runtime settings file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write the effective configuration to the settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := h.loadConfig()
			if err != nil {
				return err
			}
			path := h.settingsPath()
			if err := config.WriteRuntimeSettingsFile(path, cfg.RuntimeSettings()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
