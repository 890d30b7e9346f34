// cashgame runs the AI cash-management policy optimization core: given a
// GameConfig and a scenario, it drives the propose-evaluate-decide loop
// (pkg/orchestrator) to convergence and persists every iteration for later
// replay (spec §6.5).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aerugo/cashgame/pkg/config"
	"github.com/aerugo/cashgame/pkg/database"
	"github.com/aerugo/cashgame/pkg/errs"
	"github.com/aerugo/cashgame/pkg/llm"
	"github.com/aerugo/cashgame/pkg/llm/openaicompat"
	"github.com/aerugo/cashgame/pkg/models"
	"github.com/aerugo/cashgame/pkg/orchestrator"
	"github.com/aerugo/cashgame/pkg/repository"
	"github.com/aerugo/cashgame/pkg/simruntime"
	"github.com/aerugo/cashgame/pkg/stateprovider"
	"github.com/aerugo/cashgame/pkg/version"
)

func defaultRunner() simruntime.Runner {
	return simruntime.NewReferenceRunner()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	envPath := getEnv("CASHGAME_ENV_FILE", ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("no .env file loaded", "path", envPath, "error", err)
	}

	if len(args) == 0 {
		printUsage()
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:])
	case "list":
		return cmdList(ctx, args[1:])
	case "info":
		return cmdInfo(ctx, args[1:])
	case "validate":
		return cmdValidate(ctx, args[1:])
	case "version":
		fmt.Println(version.Full())
		return 0
	default:
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s — AI cash-management policy optimization core

Usage:
  cashgame run [--verbose=type,type,...] <config.yaml>
  cashgame list
  cashgame info <session_id>
  cashgame validate <config.yaml>
  cashgame version
`, version.AppName)
}

func newRepository(ctx context.Context) (repository.GameSessionRepository, *database.Client, error) {
	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("loading database config: %w", err)
	}
	client, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	return repository.New(client), client, nil
}

func newLLMClient(cfg models.LLMConfig) (llm.Client, error) {
	provider, model, err := models.SplitProviderModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	switch provider {
	case "openai":
		return openaicompat.New(openaicompat.Config{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  model,
		})
	default:
		return nil, errs.NewConfigurationError("llm.model", fmt.Errorf("unknown provider %q", provider))
	}
}

func cmdRun(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.String("verbose", "", "comma-separated list of event types to render live (empty = all)")
	scenarioPath := fs.String("scenario", "", "override the config's scenario_path")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: cashgame run <config.yaml>")
		return 2
	}
	configPath := fs.Arg(0)

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	path := cfg.ScenarioPath
	if *scenarioPath != "" {
		path = *scenarioPath
	}
	scenario, history, err := loadScenario(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	repo, dbClient, err := newRepository(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer dbClient.Close()

	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	runner := defaultRunner()

	o, err := orchestrator.New(cfg, scenario, runner, llmClient, repo, history)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	verboseFilter := cfg.Output.Verbose
	if *verbose != "" {
		verboseFilter = strings.Split(*verbose, ",")
	}

	summary, runErr := o.Run(ctx)

	live := stateprovider.NewLive(o.Session(), o.Recorder())
	meta, _ := live.Metadata(ctx)
	evs, _ := live.Events(ctx)
	fmt.Print(stateprovider.Render(meta, evs, verboseFilter))

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", runErr)
		return 1
	}

	fmt.Printf("session %s finished: status=%s iterations=%d accepted=%d best_cost=%s\n",
		summary.GameSessionID, summary.Status, summary.TotalIterations, summary.AcceptedChanges, summary.BestCost.DisplayString())

	if summary.Status == models.StatusFailed {
		return 1
	}
	return 0
}

func cmdList(ctx context.Context, _ []string) int {
	repo, dbClient, err := newRepository(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer dbClient.Close()

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	for _, s := range sessions {
		fmt.Printf("%s\tgame=%s\tmode=%s\tstatus=%s\titerations=%d\n", s.GameSessionID, s.GameID, s.Mode, s.Status, s.TotalIterations)
	}
	return 0
}

func cmdInfo(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: cashgame info <session_id>")
		return 2
	}
	repo, dbClient, err := newRepository(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer dbClient.Close()

	db := stateprovider.NewDatabase(repo, args[0])
	meta, err := db.Metadata(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	evs, err := db.Events(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Print(stateprovider.Render(meta, evs, nil))
	return 0
}

func cmdValidate(ctx context.Context, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: cashgame validate <config.yaml>")
		return 2
	}
	if err := config.Validate(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	fmt.Printf("%s: valid\n", filepath.Base(args[0]))
	return 0
}
