package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/histkeep/internal"
	"github.com/starford/histkeep/internal/api"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
	"github.com/starford/histkeep/internal/storage"
	pkgconfig "github.com/starford/histkeep/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	found, err := pkgconfig.LoadOptional(configPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !found && cmd.IsSet("config") {
		return nil, fmt.Errorf("config file %s not found", configPath)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.ServeMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

// withSession runs fn over an opened session. Logs go to stderr so stdout
// carries only command output.
func withSession(cmd *cli.Command, fn func(s *internal.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := internal.Open(internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr), internal.WithVersion(version))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// printRun prints a run summary and turns a failed run into an error so the
// process exits non-zero.
func printRun(res *models.BackupRunResult, err error) error {
	if res != nil {
		if pErr := printJSON(res); pErr != nil {
			return pErr
		}
	}
	if err != nil {
		return err
	}
	if res != nil && res.Failed {
		return fmt.Errorf("run failed with %d errors", len(res.Errors))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func exportCmd(ctx context.Context, cmd *cli.Command) error {
	format, err := normalize.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	opts, err := api.ParseExportOptions(func(k string) string {
		switch k {
		case "history", "bookmarks":
			if cmd.Bool("no-" + k) {
				return "false"
			}
			return ""
		case "max":
			if cmd.IsSet("max") {
				return strconv.FormatInt(int64(cmd.Int("max")), 10)
			}
			return ""
		default:
			return cmd.String(k)
		}
	})
	if err != nil {
		return err
	}

	return withSession(cmd, func(s *internal.Session) error {
		raw, ds, err := s.Service().Export(ctx, opts, format)
		if err != nil {
			return err
		}
		out := cmd.String("out")
		if out == "-" {
			_, err = os.Stdout.Write(raw)
			return err
		}
		fs, err := storage.NewFS(filepath.Dir(out))
		if err != nil {
			return err
		}
		if err := fs.Write(ctx, filepath.Base(out), raw); err != nil {
			return err
		}
		slog.Info("export written",
			slog.String("path", out),
			slog.Int("history", len(ds.History)),
			slog.Int("bookmarks", ds.BookmarkCount()))
		return nil
	})
}

func importCmd(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("import: file argument is required")
	}
	format, err := api.ResolveFormat(cmd.String("format"), path)
	if err != nil {
		return err
	}
	src, err := storage.NewFS(filepath.Dir(path))
	if err != nil {
		return err
	}

	return withSession(cmd, func(s *internal.Session) error {
		return printRun(s.Pipeline().ImportFile(ctx, src, filepath.Base(path), format, models.ParseMode(cmd.String("mode")), nil))
	})
}

func backupRunCmd(ctx context.Context, cmd *cli.Command) error {
	return withSession(cmd, func(s *internal.Session) error {
		return printRun(s.Service().RunBackup(ctx))
	})
}

func backupStatusCmd(ctx context.Context, cmd *cli.Command) error {
	return withSession(cmd, func(s *internal.Session) error {
		st, err := s.Service().Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

func backupConfigureCmd(ctx context.Context, cmd *cli.Command) error {
	return withSession(cmd, func(s *internal.Session) error {
		dest := cmd.String("dest")
		if !cmd.IsSet("dest") {
			dest = s.Config().Backup.DefaultDir
		}
		saved, err := s.Service().Configure(ctx, models.BackupSettings{
			Frequency:        models.Frequency(cmd.String("frequency")),
			Destination:      dest,
			MaxBackups:       int(cmd.Int("max")),
			IncludeHistory:   !cmd.Bool("no-history"),
			IncludeBookmarks: !cmd.Bool("no-bookmarks"),
		})
		if err != nil {
			return err
		}
		return printJSON(saved)
	})
}

func backupRestoreCmd(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("restore: artifact name is required")
	}
	return withSession(cmd, func(s *internal.Session) error {
		return printRun(s.Service().RestoreBackup(ctx, name, models.ParseMode(cmd.String("mode"))))
	})
}

func providerListCmd(ctx context.Context, cmd *cli.Command) error {
	return withSession(cmd, func(s *internal.Session) error {
		list, err := s.Service().Providers(ctx)
		if err != nil {
			return err
		}
		return printJSON(api.ProvidersResponse{Providers: list})
	})
}

func providerConnectCmd(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args()
	if args.Len() != 2 {
		return fmt.Errorf("connect: expected PROVIDER TOKEN")
	}
	return withSession(cmd, func(s *internal.Session) error {
		return s.Service().Connect(ctx, args.Get(0), args.Get(1))
	})
}

func providerDisconnectCmd(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("disconnect: provider name is required")
	}
	return withSession(cmd, func(s *internal.Session) error {
		return s.Service().Disconnect(ctx, name)
	})
}

func modeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "mode",
		Usage: "Import mode: merge or replace",
		Value: string(models.ModeMerge),
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "histkeep",
		Usage:   "Browser history and bookmarks export, import and scheduled backups",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, event stream and backup scheduler",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdio",
				Action: serveMCP,
			},
			{
				Name:   "export",
				Usage:  "Export history and bookmarks",
				Action: exportCmd,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: string(models.FormatJSON), Usage: "json, html or csv"},
					&cli.StringFlag{Name: "period", Value: string(models.PeriodAll), Usage: "today, yesterday, 7days, 30days, 90days, all or custom"},
					&cli.StringFlag{Name: "start", Usage: "Custom period start, YYYY-MM-DD"},
					&cli.StringFlag{Name: "end", Usage: "Custom period end, YYYY-MM-DD"},
					&cli.IntFlag{Name: "max", Usage: "Maximum history entries (0 for all)"},
					&cli.BoolFlag{Name: "no-history", Usage: "Leave history out"},
					&cli.BoolFlag{Name: "no-bookmarks", Usage: "Leave bookmarks out"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "-", Usage: "Output file, - for stdout"},
				},
			},
			{
				Name:      "import",
				Usage:     "Import an exported file",
				ArgsUsage: "FILE",
				Action:    importCmd,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "json, html or csv (default from extension)"},
					modeFlag(),
				},
			},
			{
				Name:  "backup",
				Usage: "Manage automatic backups",
				Commands: []*cli.Command{
					{
						Name:   "run",
						Usage:  "Run a backup now with the saved settings",
						Action: backupRunCmd,
					},
					{
						Name:   "status",
						Usage:  "Show settings, counters and catalogued backups",
						Action: backupStatusCmd,
					},
					{
						Name:   "configure",
						Usage:  "Save backup settings",
						Action: backupConfigureCmd,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "frequency", Value: string(models.FrequencyDaily), Usage: "hourly, daily, weekly, monthly or disabled"},
							&cli.StringFlag{Name: "dest", Usage: "Local directory or provider name (default from config)"},
							&cli.IntFlag{Name: "max", Value: 10, Usage: "Backups to keep"},
							&cli.BoolFlag{Name: "no-history", Usage: "Leave history out"},
							&cli.BoolFlag{Name: "no-bookmarks", Usage: "Leave bookmarks out"},
						},
					},
					{
						Name:      "restore",
						Usage:     "Verify and import a catalogued backup",
						ArgsUsage: "NAME",
						Action:    backupRestoreCmd,
						Flags:     []cli.Flag{modeFlag()},
					},
				},
			},
			{
				Name:  "provider",
				Usage: "Manage cloud provider tokens",
				Commands: []*cli.Command{
					{Name: "list", Usage: "List configured providers", Action: providerListCmd},
					{Name: "connect", Usage: "Store a provider token", ArgsUsage: "PROVIDER TOKEN", Action: providerConnectCmd},
					{Name: "disconnect", Usage: "Remove a provider token", ArgsUsage: "PROVIDER", Action: providerDisconnectCmd},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
