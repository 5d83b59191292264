package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/ledger/pg"
	"github.com/malbeclabs/tally/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	databaseURLFlag := flag.String("database-url", "", "Postgres DSN (or set TALLY_DATABASE_URL env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run pending database migrations using goose")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the most recent database migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	listEpochsFlag := flag.Bool("list-epochs", false, "List all frozen epoch snapshots")
	buildSnapshotFlag := flag.Bool("build-snapshot", false, "Freeze an epoch snapshot from completed rewards")
	resetEpochFlag := flag.Bool("reset-epoch", false, "Delete a frozen epoch and revert its records (DANGEROUS)")
	showTasksFlag := flag.Bool("show-tasks", false, "Print the current task catalog")
	setTasksFlag := flag.String("set-tasks", "", "Replace the task catalog from a JSON file of task definitions")

	// Command options
	epochFlag := flag.Uint64("epoch", 0, "Epoch number for --build-snapshot (0 = next) and --reset-epoch")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	_ = godotenv.Load()
	log := logger.New(*verboseFlag)

	if env := os.Getenv("TALLY_DATABASE_URL"); env != "" && *databaseURLFlag == "" {
		*databaseURLFlag = env
	}
	if *databaseURLFlag == "" {
		return fmt.Errorf("--database-url or TALLY_DATABASE_URL is required")
	}

	if *migrateFlag {
		log.Info("running migrations")
		return pg.Migrate(*databaseURLFlag)
	}
	if *migrateDownFlag {
		log.Info("rolling back most recent migration")
		return pg.MigrateDown(*databaseURLFlag)
	}
	if *migrateStatusFlag {
		return pg.MigrationStatus(*databaseURLFlag)
	}

	ctx := context.Background()
	svc, closePool, err := newService(ctx, log, *databaseURLFlag)
	if err != nil {
		return err
	}
	defer closePool()

	switch {
	case *listEpochsFlag:
		return listEpochs(ctx, svc)
	case *buildSnapshotFlag:
		return buildSnapshot(ctx, svc, *epochFlag)
	case *resetEpochFlag:
		return resetEpoch(ctx, svc, *epochFlag, *yesFlag)
	case *showTasksFlag:
		return showTasks(ctx, svc)
	case *setTasksFlag != "":
		return setTasks(ctx, svc, *setTasksFlag)
	}

	flag.Usage()
	return nil
}

func newService(ctx context.Context, log *slog.Logger, dsn string) (*ledger.Service, func(), error) {
	pool, err := pg.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store, err := pg.New(pg.Config{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create store: %w", err)
	}
	svc, err := ledger.New(ledger.Config{Logger: log, Store: store})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create ledger service: %w", err)
	}
	return svc, pool.Close, nil
}

func listEpochs(ctx context.Context, svc *ledger.Service) error {
	epochs, err := svc.ListEpochs(ctx)
	if err != nil {
		return err
	}
	if len(epochs) == 0 {
		fmt.Println("no frozen epochs")
		return nil
	}
	for _, meta := range epochs {
		fmt.Printf("epoch %d: %d wallets, root %s, created %s\n",
			meta.Epoch, meta.LeavesCount, meta.Root, meta.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func buildSnapshot(ctx context.Context, svc *ledger.Service, epoch uint64) error {
	if epoch == 0 {
		latest, ok, err := svc.LatestEpoch(ctx)
		if err != nil {
			return err
		}
		epoch = 1
		if ok {
			epoch = latest + 1
		}
	}
	meta, err := svc.BuildEpochSnapshot(ctx, epoch)
	if err != nil {
		return err
	}
	fmt.Printf("epoch %d frozen: %d wallets, root %s\n", meta.Epoch, meta.LeavesCount, meta.Root)
	return nil
}

func resetEpoch(ctx context.Context, svc *ledger.Service, epoch uint64, yes bool) error {
	if epoch == 0 {
		return fmt.Errorf("--epoch is required for --reset-epoch")
	}
	meta, err := svc.EpochMeta(ctx, epoch)
	if err != nil {
		return err
	}
	fmt.Printf("About to DELETE epoch %d (%d wallets, root %s) and revert its records to completed.\n",
		meta.Epoch, meta.LeavesCount, meta.Root)
	if !yes {
		fmt.Print("Type 'yes' to continue: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || answer != "yes" {
			fmt.Println("aborted")
			return nil
		}
	}
	if err := svc.ResetEpoch(ctx, epoch); err != nil {
		return err
	}
	fmt.Printf("epoch %d reset\n", epoch)
	return nil
}

func showTasks(ctx context.Context, svc *ledger.Service) error {
	defs, err := svc.TaskContract(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func setTasks(ctx context.Context, svc *ledger.Service, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	var defs []ledger.TaskDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse task definitions: %w", err)
	}
	if err := svc.SetTaskContract(ctx, defs); err != nil {
		return err
	}
	fmt.Printf("task catalog replaced: %d definitions\n", len(defs))
	return nil
}
