package subaru

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: subaru <command> [arguments]")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"build", "[--stage NAME] [--force] [--verbose]", "Run the image build pipeline"},
		{"patch create", "NAME DESCRIPTION", "Create a patch from the tracked tree's changes"},
		{"patch apply", "DIR VERSION", "Apply all patches for VERSION to DIR"},
		{"patch list", "", "List patches for every version"},
		{"backup", "VERSION", "Snapshot the tracked tree"},
		{"restore", "FILE", "Restore the tracked tree from a backup archive"},
		{"update", "FILE", "Replace the tracked tree with a new source archive"},
		{"push", "FILE", "Upload a backup archive to the S3 bucket"},
		{"log", "", "TUI stage log viewer"},
		{"version, --version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

func usage(msg string) int {
	fmt.Fprintf(os.Stderr, "usage: %s\n", msg)
	return 2
}

// Main is the CLI entrypoint for cmd/subaru.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling gracefully\n", sig)
			cancel()
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(2 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printHelp()
		return 0
	}

	configPath := ConfigFile
	if root := os.Getenv("SUBARU_ROOT"); root != "" {
		configPath = filepath.Join(root, "etc", "subaru.conf")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		colWarn.Printf("Warning: could not read config %s: %v\n", configPath, err)
	}

	switch args[0] {
	case "build":
		return cmdBuild(ctx, cfg, args[1:])

	case "patch":
		if len(args) < 2 {
			return usage("subaru patch <create|apply|list> ...")
		}
		switch args[1] {
		case "create":
			if len(args) != 4 {
				return usage("subaru patch create NAME DESCRIPTION")
			}
			return cmdPatchCreate(cfg, args[2], args[3])
		case "apply":
			if len(args) != 4 {
				return usage("subaru patch apply DIR VERSION")
			}
			return cmdPatchApply(cfg, args[2], args[3])
		case "list":
			if len(args) != 2 {
				return usage("subaru patch list")
			}
			return cmdPatchList(cfg)
		default:
			return usage("subaru patch <create|apply|list> ...")
		}

	case "backup":
		if len(args) != 2 {
			return usage("subaru backup VERSION")
		}
		return cmdBackup(cfg, args[1])

	case "restore":
		if len(args) != 2 {
			return usage("subaru restore FILE")
		}
		return cmdRestore(cfg, args[1])

	case "update":
		if len(args) != 2 {
			return usage("subaru update FILE")
		}
		return cmdUpdate(cfg, args[1])

	case "push":
		if len(args) != 2 {
			return usage("subaru push FILE")
		}
		if err := PushBackup(ctx, cfg, args[1]); err != nil {
			colError.Printf("Error: %v\n", err)
			return 1
		}
		return 0

	case "log":
		return RunLogTUI(cfg)

	case "version", "--version":
		fmt.Printf("subaru %s (%s), built %s\n", version, arch, buildDate)
		return 0

	case "help", "-h", "--help":
		printHelp()
		return 0

	default:
		colError.Printf("Unknown command: %s\n", args[0])
		printHelp()
		return 2
	}
}

func cmdBuild(ctx context.Context, cfg *Config, args []string) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	stage := fs.String("stage", "", "resume from this stage")
	force := fs.Bool("force", false, "rebuild even when markers are fresh")
	verbose := fs.Bool("verbose", false, "mirror stage output to stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		return usage("subaru build [--stage NAME] [--force] [--verbose]")
	}
	Verbose = *verbose

	pipeline, err := NewPipeline(ctx, cfg)
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}

	result, err := pipeline.Run(*stage, *force)
	if err != nil {
		if errors.Is(err, ErrInvalidStage) {
			colError.Printf("Error: %v\n", err)
			fmt.Fprint(os.Stderr, "known stages:")
			for _, st := range pipeline.Stages() {
				fmt.Fprintf(os.Stderr, " %s", st.Name)
			}
			fmt.Fprintln(os.Stderr)
			return 2
		}
		colError.Printf("Error: %v\n", err)
		if result != nil && result.FailureDir != "" {
			colInfo.Printf("Diagnostics: %s\n", result.FailureDir)
		}
		return 1
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Build complete (%d stage(s), run %s)\n", len(result.Results), result.RunID)
	return 0
}

func cmdPatchCreate(cfg *Config, name, description string) int {
	lock, err := acquireRunLock(cfg.lockFile())
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	defer lock.release()

	repo := NewPatchRepository(cfg)
	versions := NewVersionStore(cfg)
	if _, err := repo.Create(name, description, cfg.TrackedDir, versions.Current()); err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdPatchApply(cfg *Config, dir, version string) int {
	lock, err := acquireRunLock(cfg.lockFile())
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	defer lock.release()

	repo := NewPatchRepository(cfg)
	if err := repo.Apply(dir, version); err != nil {
		var conflict *PatchConflict
		if errors.As(err, &conflict) {
			recorder := NewFailureRecorder(cfg)
			recorder.Capture(conflict, "")
		}
		colError.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdPatchList(cfg *Config) int {
	repo := NewPatchRepository(cfg)
	all, err := repo.ListAll()
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	if len(all) == 0 {
		fmt.Println("No patches recorded.")
		return 0
	}

	versions := make([]string, 0, len(all))
	for v := range all {
		versions = append(versions, v)
	}
	// Stable output: version buckets sorted, patches already id-sorted.
	sort.Strings(versions)
	for _, v := range versions {
		colInfo.Printf("%s:\n", v)
		for _, p := range all[v] {
			fmt.Printf("  %s  %d file(s), %d hunk(s)  %s\n", p.ID, p.Files, p.Hunks, p.Description)
			if p.Dependencies != "" {
				fmt.Printf("      depends: %s\n", p.Dependencies)
			}
		}
	}
	return 0
}

func cmdBackup(cfg *Config, version string) int {
	lock, err := acquireRunLock(cfg.lockFile())
	if err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	defer lock.release()

	store := NewArchiveStore(cfg)
	if _, err := store.Backup(cfg.TrackedDir, version); err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdRestore(cfg *Config, ref string) int {
	updater := NewUpdater(cfg)
	if err := updater.Restore(ref); err != nil {
		colError.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}

func cmdUpdate(cfg *Config, archive string) int {
	updater := NewUpdater(cfg)
	if err := updater.Update(archive); err != nil {
		var conflict *PatchConflict
		if errors.As(err, &conflict) {
			recorder := NewFailureRecorder(cfg)
			recorder.Capture(conflict, "")
		}
		colError.Printf("Error: %v\n", err)
		return 1
	}
	return 0
}
