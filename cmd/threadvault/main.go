package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threadvault/threadvault/internal/attachment"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/db"
	"github.com/threadvault/threadvault/internal/pipeline"
	"github.com/threadvault/threadvault/internal/source"
	"github.com/threadvault/threadvault/internal/store"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "threadvault",
		Short: "Message history archiver",
		Long: `ThreadVault imports message history from a live chat store or a
device backup into a canonical, queryable archive of threads,
messages, and attachments.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("threadvault %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize threadvault config and archive database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool   `json:"ok"`
				Message   string `json:"message,omitempty"`
				ConfigDir string `json:"config_dir,omitempty"`
				DataDir   string `json:"data_dir,omitempty"`
				DBPath    string `json:"db_path,omitempty"`
			}

			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get config directory: %v", err)})
			}
			result.ConfigDir = configDir

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get data directory: %v", err)})
			}
			result.DataDir = dataDir

			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create config directory: %v", err)})
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create data directory: %v", err)})
			}

			attachDir, err := config.GetAttachmentDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get attachment directory: %v", err)})
			}
			if err := os.MkdirAll(attachDir, 0755); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to create attachment directory: %v", err)})
			}

			if err := db.Init(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to initialize database: %v", err)})
			}

			dbPath, err := db.GetPath()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get database path: %v", err)})
			}
			result.DBPath = dbPath
			result.Message = "ThreadVault initialized successfully"

			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ Config directory: %s\n", result.ConfigDir)
				fmt.Printf("✓ Data directory: %s\n", result.DataDir)
				fmt.Printf("✓ Database: %s\n", result.DBPath)
				fmt.Println("\nThreadVault initialized successfully!")
			}
		},
	})

	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func accountCmd() *cobra.Command {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage configured message sources",
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a message source",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool   `json:"ok"`
				Message string `json:"message,omitempty"`
			}

			name := args[0]
			src, _ := cmd.Flags().GetString("source")
			path, _ := cmd.Flags().GetString("path")

			if src != "live" && src != "backup" {
				fail(Result{Message: "--source must be 'live' or 'backup'"})
			}
			if path == "" {
				fail(Result{Message: "--path is required"})
			}

			cfg, err := config.Load()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to load config: %v", err)})
			}
			cfg.Accounts[name] = config.AccountConfig{Source: src, Path: path, Enabled: true}
			if err := cfg.Save(); err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to save config: %v", err)})
			}

			result := Result{OK: true, Message: fmt.Sprintf("Account '%s' added", name)}
			if jsonOutput {
				printJSON(result)
			} else {
				fmt.Printf("✓ %s\n", result.Message)
			}
		},
	}
	addCmd.Flags().String("source", "", "Source type: live or backup")
	addCmd.Flags().String("path", "", "Path to the chat store or backup directory")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured sources",
		Run: func(cmd *cobra.Command, args []string) {
			type Account struct {
				Name    string `json:"name"`
				Source  string `json:"source"`
				Path    string `json:"path"`
				Enabled bool   `json:"enabled"`
			}
			type Result struct {
				OK       bool      `json:"ok"`
				Message  string    `json:"message,omitempty"`
				Accounts []Account `json:"accounts,omitempty"`
			}

			cfg, err := config.Load()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to load config: %v", err)})
			}

			result := Result{OK: true}
			for name, ac := range cfg.Accounts {
				result.Accounts = append(result.Accounts, Account{
					Name: name, Source: ac.Source, Path: ac.Path, Enabled: ac.Enabled,
				})
			}

			if jsonOutput {
				printJSON(result)
			} else if len(result.Accounts) == 0 {
				fmt.Println("No accounts configured. Add one with 'threadvault account add'.")
			} else {
				for _, a := range result.Accounts {
					state := "enabled"
					if !a.Enabled {
						state = "disabled"
					}
					fmt.Printf("%-20s %-8s %s (%s)\n", a.Name, a.Source, a.Path, state)
				}
			}
		},
	}

	accountCmd.AddCommand(addCmd)
	accountCmd.AddCommand(listCmd)
	return accountCmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [account]",
		Short: "Import message history into the archive",
		Long: `Import runs the full pipeline for one account, or for every enabled
account when none is named. Incremental by default; --full re-imports
the whole cutoff window.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool               `json:"ok"`
				Message string             `json:"message,omitempty"`
				Runs    []*pipeline.Result `json:"runs,omitempty"`
			}

			full, _ := cmd.Flags().GetBool("full")
			cutoff, _ := cmd.Flags().GetInt("cutoff-months")
			chunkSize, _ := cmd.Flags().GetInt("chunk-size")

			cfg, err := config.Load()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to load config: %v", err)})
			}
			if cmd.Flags().Changed("cutoff-months") {
				cfg.Import.CutoffMonths = cutoff
			}
			if chunkSize > 0 {
				cfg.Import.ChunkSize = chunkSize
			}

			var selected map[string]config.AccountConfig
			if len(args) == 1 {
				ac, ok := cfg.Accounts[args[0]]
				if !ok {
					fail(Result{Message: fmt.Sprintf("Account '%s' not configured", args[0])})
				}
				selected = map[string]config.AccountConfig{args[0]: ac}
			} else {
				selected = make(map[string]config.AccountConfig)
				for name, ac := range cfg.Accounts {
					if ac.Enabled {
						selected[name] = ac
					}
				}
			}
			if len(selected) == 0 {
				fail(Result{Message: "No accounts to import"})
			}

			database, err := db.Open()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to open database: %v", err)})
			}
			defer database.Close()

			attachRoot, err := config.GetAttachmentDir()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to get attachment directory: %v", err)})
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := pipeline.NewRunner(database)
			result := Result{OK: true}

			for name, ac := range selected {
				res, err := runAccount(ctx, runner, cfg, name, ac, full, attachRoot)
				if err != nil {
					result.OK = false
					result.Message = fmt.Sprintf("%s: %v", name, err)
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "Error importing %s: %v\n", name, err)
					}
					continue
				}
				result.Runs = append(result.Runs, res)
				if !jsonOutput {
					fmt.Printf("✓ %s: %d messages, %d threads, %d attachments stored (%s)\n",
						name, res.Messages, res.Threads, res.AttachmentsLocal, res.DurationText)
				}
			}

			if jsonOutput {
				printJSON(result)
			}
			if !result.OK {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().Bool("full", false, "Re-import the whole cutoff window")
	cmd.Flags().Int("cutoff-months", 0, "Override the cutoff window in months (0 = unbounded)")
	cmd.Flags().Int("chunk-size", 0, "Messages per commit chunk")
	return cmd
}

func runAccount(ctx context.Context, runner *pipeline.Runner, cfg *config.Config,
	name string, ac config.AccountConfig, full bool, attachRoot string) (*pipeline.Result, error) {

	var adapter source.Adapter
	var locator attachment.Locator

	switch ac.Source {
	case "live":
		live, err := source.OpenLiveStore(ac.Path)
		if err != nil {
			return nil, err
		}
		adapter = live
		home, err := os.UserHomeDir()
		if err == nil {
			locator = attachment.LocalLocator{Home: home}
		}
	case "backup":
		backup, err := source.OpenBackupArchive(ac.Path)
		if err != nil {
			return nil, err
		}
		adapter = backup
		locator = backup
	default:
		return nil, fmt.Errorf("unknown source type %q", ac.Source)
	}
	defer adapter.Close()

	opts := pipeline.Options{
		Account:            name,
		Full:               full,
		CutoffMonths:       cfg.Import.CutoffMonths,
		ChunkSize:          cfg.Import.ChunkSize,
		SelfIdentifiers:    cfg.Self.Identifiers,
		DefaultCountryCode: cfg.Import.DefaultCountryCode,
		MaxAttachmentBytes: cfg.Import.MaxAttachmentBytes,
		AttachmentRoot:     attachRoot,
		Locator:            locator,
	}
	if !jsonOutput {
		opts.OnProgress = func(p pipeline.Progress) {
			if p.Total > 0 {
				fmt.Printf("\r[%s] %d/%d", p.Phase, p.Current, p.Total)
				if p.Current >= p.Total {
					fmt.Println()
				}
			}
		}
	}

	return runner.Run(ctx, adapter, opts)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show import jobs and checkpoints",
		Run: func(cmd *cobra.Command, args []string) {
			type Checkpoint struct {
				Account      string `json:"account"`
				Watermark    int64  `json:"watermark"`
				CutoffMonths int    `json:"cutoff_months"`
				Fingerprint  string `json:"schema_fingerprint"`
			}
			type Result struct {
				OK          bool                 `json:"ok"`
				Message     string               `json:"message,omitempty"`
				Jobs        []pipeline.JobStatus `json:"jobs,omitempty"`
				Checkpoints []Checkpoint         `json:"checkpoints,omitempty"`
			}

			database, err := db.Open()
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to open database: %v", err)})
			}
			defer database.Close()

			jobs, err := pipeline.ListJobs(database)
			if err != nil {
				fail(Result{Message: fmt.Sprintf("Failed to list jobs: %v", err)})
			}

			result := Result{OK: true, Jobs: jobs}

			st := store.New(database)
			ctx := context.Background()
			for _, job := range jobs {
				cp, err := st.LoadCheckpoint(ctx, job.Account)
				if err != nil {
					fail(Result{Message: fmt.Sprintf("Failed to load checkpoint: %v", err)})
				}
				result.Checkpoints = append(result.Checkpoints, Checkpoint{
					Account:      job.Account,
					Watermark:    cp.Watermark,
					CutoffMonths: cp.CutoffMonths,
					Fingerprint:  cp.SchemaFingerprint,
				})
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			if len(jobs) == 0 {
				fmt.Println("No imports have run yet.")
				return
			}
			for _, job := range jobs {
				line := fmt.Sprintf("%-20s %-8s %-8s %d/%d", job.Account, job.Status, job.Phase, job.Current, job.Total)
				if job.LastError != nil {
					line += "  " + *job.LastError
				}
				fmt.Println(line)
			}
		},
	}
}

func fail(result interface{}) {
	if jsonOutput {
		printJSON(result)
	} else {
		// Every command's Result carries a Message field.
		b, _ := json.Marshal(result)
		var m struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(b, &m)
		fmt.Fprintf(os.Stderr, "Error: %s\n", m.Message)
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
