package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"mailmerge/internal/config"
	"mailmerge/internal/crypto"
	"mailmerge/internal/db"
	"mailmerge/internal/engine"
	"mailmerge/internal/excel"
	"mailmerge/internal/mail"
	"mailmerge/internal/migrate"
	"mailmerge/internal/scheduler"
	"mailmerge/internal/server"
	"mailmerge/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "mailmerge",
	Short: "MailMerge CLI",
	Long: `MailMerge runs email-driven spreadsheet collection campaigns: a task
sends a template spreadsheet to its recipients, replies are polled from the
coordinator's mailbox, and received rows are validated and merged into one
artifact.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(taskCmd())
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("config"))
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == "minio" {
		m := cfg.Storage.Minio
		return storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Secure:    m.Secure,
		})
	}
	return storage.NewLocal(filepath.Join(cfg.DataDir, "objects"))
}

// withEngine opens the database, runs migrations and hands a fully wired
// engine to fn. Used by every one-shot command.
func withEngine(ctx context.Context, fn func(context.Context, *config.Config, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{DataDir: cfg.DataDir})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	// Commands that never touch mail auth codes work without a key.
	var codec *crypto.Codec
	if cfg.Auth.EncryptionKey != "" {
		if codec, err = crypto.NewCodec(cfg.Auth.EncryptionKey); err != nil {
			return err
		}
	}
	dispatcher := &mail.SMTPDispatcher{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		StartTLS:    cfg.SMTP.StartTLS,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		DialTimeout: cfg.SMTP.DialTimeout,
	}
	e := engine.New(conn, store, dispatcher, codec, nil, filepath.Join(cfg.DataDir, "work"))
	return fn(ctx, cfg, e)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			if _, err := db.EnsureDataDir(cfg.DataDir); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := buildStore(ctx, cfg)
			if err != nil {
				return err
			}
			if cfg.Auth.EncryptionKey == "" {
				return errors.New("auth.encryption_key is required to run the mail poller")
			}
			codec, err := crypto.NewCodec(cfg.Auth.EncryptionKey)
			if err != nil {
				return err
			}
			dispatcher := &mail.SMTPDispatcher{
				Host:        cfg.SMTP.Host,
				Port:        cfg.SMTP.Port,
				StartTLS:    cfg.SMTP.StartTLS,
				Username:    cfg.SMTP.Username,
				Password:    cfg.SMTP.Password,
				DialTimeout: cfg.SMTP.DialTimeout,
			}
			receiver := &mail.IMAPReceiver{
				Host:          cfg.IMAP.Host,
				Port:          cfg.IMAP.Port,
				Mailbox:       cfg.IMAP.Mailbox,
				DialTimeout:   cfg.IMAP.DialTimeout,
				AttachmentDir: filepath.Join(cfg.DataDir, "inbox"),
				IsAttachment:  excel.IsSpreadsheet,
			}
			e := engine.New(conn, store, dispatcher, codec, log, filepath.Join(cfg.DataDir, "work"))

			sched := scheduler.New(e, receiver, codec, log, cfg.Scheduler.TaskSweepInterval, cfg.Scheduler.MailPollInterval)
			sched.Start()

			handler, err := server.New(server.Config{
				Engine: e,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Auth.JWTSecret,
					TokenTTL:  cfg.Auth.TokenTTL,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}
			errCh := make(chan error, 1)
			go func() {
				log.Infow("http server listening", "addr", cfg.HTTP.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("http shutdown", "error", err)
			}
			if err := sched.Stop(shutdownCtx); err != nil {
				log.Warnw("scheduler shutdown", "error", err)
			}
			log.Infow("shutdown complete")
			return nil
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := db.EnsureDataDir(cfg.DataDir); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{DataDir: cfg.DataDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("database is up to date")
			return nil
		},
	}
}

func coordinatorCmd() *cobra.Command {
	coord := &cobra.Command{Use: "coordinator", Short: "Manage coordinators"}

	var name, account, email, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a coordinator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				c, err := e.CreateCoordinator(ctx, engine.CoordinatorCreateOptions{
					Name: name, Account: account, Password: password, Email: email,
				})
				if err != nil {
					return err
				}
				fmt.Printf("coordinator %s created (%s)\n", c.Account, c.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&account, "account", "", "login account")
	create.Flags().StringVar(&email, "email", "", "mailbox address used for campaigns")
	create.Flags().StringVar(&password, "password", "", "login password")
	_ = create.MarkFlagRequired("account")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("password")
	coord.AddCommand(create)

	var codeAccount, authCode string
	setCode := &cobra.Command{
		Use:   "set-auth-code",
		Short: "Store a coordinator's mailbox authorization code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				c, err := e.Repo.GetCoordinatorByAccount(ctx, codeAccount)
				if err != nil {
					return err
				}
				if err := e.SetMailAuthCode(ctx, c.ID, authCode); err != nil {
					return err
				}
				fmt.Printf("auth code stored for %s\n", c.Account)
				return nil
			})
		},
	}
	setCode.Flags().StringVar(&codeAccount, "account", "", "coordinator account")
	setCode.Flags().StringVar(&authCode, "code", "", "mailbox authorization code (empty clears)")
	_ = setCode.MarkFlagRequired("account")
	coord.AddCommand(setCode)

	coord.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List coordinators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				items, err := e.Repo.ListCoordinators(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Name", "Email", "Mailbox"})
				for _, c := range items {
					mailbox := "not configured"
					if c.MailAuthCode != nil {
						mailbox = "configured"
					}
					tw.AppendRow(table.Row{c.ID, c.Account, c.Name, c.Email, mailbox})
				}
				tw.Render()
				return nil
			})
		},
	})
	return coord
}

// recipientImportFile is the YAML shape accepted by `recipient import`.
type recipientImportFile struct {
	Recipients []struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
		Phone string `yaml:"phone"`
	} `yaml:"recipients"`
}

func recipientCmd() *cobra.Command {
	rec := &cobra.Command{Use: "recipient", Short: "Manage recipients"}

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import recipients from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc recipientImportFile
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				created := 0
				for _, r := range doc.Recipients {
					if _, err := e.CreateRecipient(ctx, engine.RecipientCreateOptions{
						Name: r.Name, Email: r.Email, Phone: r.Phone,
					}); err != nil {
						return fmt.Errorf("recipient %s: %w", r.Email, err)
					}
					created++
				}
				fmt.Printf("%d recipient(s) imported\n", created)
				return nil
			})
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "", "YAML file with a recipients list")
	_ = imp.MarkFlagRequired("file")
	rec.AddCommand(imp)

	rec.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				items, err := e.Repo.ListRecipients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Phone"})
				for _, r := range items {
					phone := ""
					if r.Phone != nil {
						phone = *r.Phone
					}
					tw.AppendRow(table.Row{r.ID, r.Name, r.Email, phone})
				}
				tw.Render()
				return nil
			})
		},
	})
	return rec
}

// templateImportFile is the YAML shape accepted by `template import`.
type templateImportFile struct {
	Templates []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Fields      []struct {
			DisplayName string `yaml:"display_name"`
			Rule        string `yaml:"rule"`
		} `yaml:"fields"`
	} `yaml:"templates"`
}

func templateCmd() *cobra.Command {
	tmpl := &cobra.Command{Use: "template", Short: "Manage collection templates"}

	var file, account string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import templates from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var doc templateImportFile
			if err := yaml.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				c, err := e.Repo.GetCoordinatorByAccount(ctx, account)
				if err != nil {
					return err
				}
				for _, tm := range doc.Templates {
					opts := engine.TemplateCreateOptions{
						Name:        tm.Name,
						Description: tm.Description,
						ActorID:     c.ID,
					}
					for _, f := range tm.Fields {
						opts.Fields = append(opts.Fields, engine.TemplateFieldOptions{
							DisplayName: f.DisplayName,
							RuleJSON:    f.Rule,
						})
					}
					created, err := e.CreateTemplate(ctx, opts)
					if err != nil {
						return fmt.Errorf("template %s: %w", tm.Name, err)
					}
					fmt.Printf("template %s imported (%s)\n", created.Name, created.ID)
				}
				return nil
			})
		},
	}
	imp.Flags().StringVarP(&file, "file", "f", "", "YAML file with a templates list")
	imp.Flags().StringVar(&account, "account", "", "owning coordinator account")
	_ = imp.MarkFlagRequired("file")
	_ = imp.MarkFlagRequired("account")
	tmpl.AddCommand(imp)

	var listAccount string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a coordinator's templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				c, err := e.Repo.GetCoordinatorByAccount(ctx, listAccount)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListTemplates(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Description"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listAccount, "account", "", "owning coordinator account")
	_ = list.MarkFlagRequired("account")
	tmpl.AddCommand(list)
	return tmpl
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect and drive collection tasks"}

	var listAccount string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a coordinator's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				c, err := e.Repo.GetCoordinatorByAccount(ctx, listAccount)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListTasks(ctx, c.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Started", "Deadline"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, deref(t.StartedTime), deref(t.Deadline)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listAccount, "account", "", "owning coordinator account")
	_ = list.MarkFlagRequired("account")
	task.AddCommand(list)

	task.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its aggregation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"task": t}
				if agg, err := e.Repo.GetAggregationForTask(ctx, t.ID); err == nil {
					out["aggregation"] = agg
					if issues, err := e.Repo.ListIssues(ctx, agg.ID); err == nil {
						out["issues"] = issues
					}
				}
				return printJSON(out)
			})
		},
	})

	type opRunner func(ctx context.Context, e engine.Engine, taskID string) (string, error)
	makeOp := func(use, short string, run opRunner) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, cfg *config.Config, e engine.Engine) error {
					msg, err := run(ctx, e, args[0])
					if err != nil {
						return err
					}
					fmt.Println(msg)
					return nil
				})
			},
		}
	}
	task.AddCommand(makeOp("activate <task-id>", "Activate a draft task and dispatch its campaign",
		func(ctx context.Context, e engine.Engine, taskID string) (string, error) {
			t, err := e.ActivateNow(ctx, taskID, "cli")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("task %s is %s", t.Name, t.Status), nil
		}))
	task.AddCommand(makeOp("close <task-id>", "Close an active task and aggregate its replies",
		func(ctx context.Context, e engine.Engine, taskID string) (string, error) {
			t, err := e.CloseNow(ctx, taskID, "cli")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("task %s is %s", t.Name, t.Status), nil
		}))
	task.AddCommand(makeOp("aggregate <task-id>", "Re-run the aggregation for a closed task",
		func(ctx context.Context, e engine.Engine, taskID string) (string, error) {
			res, err := e.AggregateNow(ctx, taskID, "cli")
			if err != nil {
				return "", err
			}
			msg := fmt.Sprintf("merged %d record(s) into %s", res.Aggregation.RecordCount, res.Aggregation.FilePath)
			for _, w := range res.Warnings {
				msg += "\nwarning: " + w
			}
			return msg, nil
		}))
	return task
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
