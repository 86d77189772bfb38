package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/abejgonzalez/firesim/common/awstools"
	"github.com/abejgonzalez/firesim/common/build"
	"github.com/abejgonzalez/firesim/common/deploy"
	"github.com/abejgonzalez/firesim/common/hwdb"
	"github.com/abejgonzalez/firesim/common/utils"
	"github.com/abejgonzalez/firesim/manager/domain"
	manager "github.com/abejgonzalez/firesim/manager/internal"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	options      = domain.ManagerOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)

	// Set default options.
	options.RuntimeConfigFile = "config_runtime.yaml"
	options.HWDBConfigFile = "config_hwdb.yaml"
	options.ResultsDir = "results-workload"
	options.BuildConfigFile = "config_build.yaml"
	options.BuildRecipesFile = "config_build_recipes.yaml"
	options.BuildResultsDir = "results-build"
	options.SSHUser = os.Getenv("USER")
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if !options.TaskKnown() {
		log.Fatalf("Unknown task %q. Expected one of: %s.", options.Task, strings.Join(domain.Tasks, ", "))
	}
}

// confirmTermination makes the operator type out their intent before the
// run farm is torn down.
func confirmTermination() {
	fmt.Print("Type yes, then press enter, to continue. Anything else will terminate the manager: ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	if strings.TrimSpace(answer) != "yes" {
		globalLogger.Warn("Termination cancelled.")
		os.Exit(0)
	}
}

func main() {
	ValidateOptions()
	globalLogger.Info("Manager started with the following options:\n%s", options.PrettyString(2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		received := <-sig
		globalLogger.Warn("Received signal %v. Shutting down.", received)
		cancel()
	}()

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create zap logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	// AWS access is optional: externally provisioned farms with local
	// artifacts never touch it. Failures here only matter if the config
	// asks for EC2 or S3.
	client, err := awstools.NewClient(ctx, zapLogger)
	if err != nil {
		globalLogger.Warn(utils.OrangeStyle.Render("AWS access unavailable: %v"), err)
		client = nil
	}
	uris, err := hwdb.NewURIContainer(ctx, zapLogger)
	if err != nil {
		globalLogger.Warn(utils.OrangeStyle.Render("S3 access unavailable, only local artifact paths will resolve: %v"), err)
		uris = hwdb.NewURIContainerWithAPI(nil, zapLogger)
	}

	provider := deploy.SSHExecutorProvider(options.SSHUser, options.SSHPrivateKey)

	// buildbitstream drives the build farm instead of the run farm and
	// never reads config_runtime.yaml.
	if options.Task == domain.TaskBuildBitstream {
		var s3api build.S3API
		if client != nil {
			if s3api, err = build.NewS3API(ctx); err != nil {
				globalLogger.Warn(utils.OrangeStyle.Render("S3 access unavailable, f1 builds will not work: %v"), err)
				s3api = nil
			}
		}
		if err = manager.RunBuilds(ctx, &options, client, s3api, build.ExecutorProvider(provider)); err != nil {
			globalLogger.Error(utils.RedStyle.Render("Task %s failed: %v"), options.Task, err)
			os.Exit(1)
		}
		globalLogger.Info(utils.GreenStyle.Render("Task %s completed successfully."), options.Task)
		return
	}

	cfg, err := manager.NewRuntimeConfig(&options, client, uris, provider)
	if err != nil {
		globalLogger.Error(utils.RedStyle.Render("Failed to load configuration: %v"), err)
		os.Exit(1)
	}

	if options.Task == domain.TaskTerminateRunFarm && !options.ForceTerminate {
		globalLogger.Warn(utils.OrangeStyle.Render("IMPORTANT: Your run farm will be terminated. ONLY CONTINUE AFTER ALL JOBS ARE DONE."))
		confirmTermination()
	}

	if err = manager.RunTask(ctx, &options, cfg); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Task %s failed: %v"), options.Task, err)
		os.Exit(1)
	}
	globalLogger.Info(utils.GreenStyle.Render("Task %s completed successfully."), options.Task)
}
