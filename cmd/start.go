package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chainlab/testchain/chainerr"
	"github.com/chainlab/testchain/cmd/exitcodes"
	"github.com/chainlab/testchain/facade"
	"github.com/chainlab/testchain/notify"
	"github.com/spf13/cobra"
)

var startFlagValues startFlags

// startCmd launches a single chain in the foreground and keeps the process alive supervising it, printing
// lifecycle events as they occur on the Notification Bus. Since the Chain Registry and Notification Bus are
// process-local singletons (spec.md §4.9), every other chain operation (stop, take/revert snapshot, mining
// toggles, details) is issued here via a small interactive prompt rather than as separate CLI invocations: a
// separate process has no way to reach a chain this one is supervising, short of the gateway spec.md §1 places
// out of scope.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a chain and supervise it in the foreground",
	Long: `Start a chain and supervise it in the foreground.

Once the chain reports ready, commands may be typed at the prompt:
  details            print the chain's current handle
  snapshot <desc>     take an archive snapshot (empty desc = transient)
  revert <snapshot-id> restore a previously taken, described (indexed) snapshot
  mine on / mine off  toggle block production
  stop                stop the chain and exit

Ctrl+C also stops the chain cleanly before exiting.`,
	RunE: runStart,
}

func init() {
	addStartFlags(startCmd.Flags(), &startFlagValues)
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeInvalidConfig)
	}

	f, err := facade.New(cfg, cmdLogger)
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitcodes.ExitCodeUnexpectedError)
	}

	chainCfg := startFlagValues.toChainConfig()

	ctx := context.Background()
	id, err := f.Start(ctx, chainCfg)
	if err != nil {
		return exitcodes.NewErrorWithExitCode(err, exitCodeForStartError(err))
	}
	fmt.Printf("chain %s starting...\n", id)

	handle, topicHandle := f.Bus().Subscribe(notify.ChainTopic(id))
	defer f.Bus().Unsubscribe(notify.ChainTopic(id), handle)

	killTimeout := time.Duration(cfg.KillTimeoutMs) * time.Millisecond
	readyTimer := time.NewTimer(killTimeout)
	defer readyTimer.Stop()

waitForReady:
	for {
		select {
		case event := <-topicHandle:
			printEvent(event)
			if event.Type == notify.EventStarted {
				break waitForReady
			}
			if event.Type == notify.EventError {
				return exitcodes.NewErrorWithExitCode(fmt.Errorf("chain failed to start"), exitcodes.ExitCodeStartTimeout)
			}
		case <-readyTimer.C:
			return exitcodes.NewErrorWithExitCode(fmt.Errorf("chain did not become ready within kill_timeout"), exitcodes.ExitCodeStartTimeout)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case event := <-topicHandle:
			printEvent(event)
			if event.Type == notify.EventStopped || event.Type == notify.EventError {
				return nil
			}

		case <-sigCh:
			fmt.Println("stopping...")
			return stopAndShutdown(f, id)

		case line, ok := <-lines:
			if !ok {
				return stopAndShutdown(f, id)
			}
			if done := handleReplLine(f, id, line); done {
				return stopAndShutdown(f, id)
			}
		}
	}
}

// handleReplLine dispatches one interactive command line to the facade, returning true if the caller should
// stop the chain and exit.
func handleReplLine(f *facade.Facade, id, line string) bool {
	ctx := context.Background()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "stop", "quit", "exit":
		return true

	case "details":
		details, err := f.Details(id)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("%+v\n", details)

	case "snapshot":
		desc := strings.Join(fields[1:], " ")
		details, err := f.TakeSnapshot(ctx, id, desc)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		fmt.Printf("snapshot taken: %s\n", details.ID)

	case "revert":
		if len(fields) < 2 {
			fmt.Println("usage: revert <snapshot-id>")
			return false
		}
		details, err := f.ListSnapshots()
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		found := false
		for _, d := range details {
			if d.ID == fields[1] {
				found = true
				if err := f.RevertSnapshot(ctx, id, d); err != nil {
					fmt.Println("error:", err)
				}
				break
			}
		}
		if !found {
			fmt.Println("no such snapshot:", fields[1])
		}

	case "mine":
		if len(fields) < 2 {
			fmt.Println("usage: mine on|off")
			return false
		}
		var err error
		if fields[1] == "on" {
			err = f.StartMine(ctx, id)
		} else {
			err = f.StopMine(ctx, id)
		}
		if err != nil {
			fmt.Println("error:", err)
		}

	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}

// stopAndShutdown stops the chain cooperatively and tears down the facade, returning any stop error it
// encountered so the process can report a non-zero exit status.
func stopAndShutdown(f *facade.Facade, id string) error {
	ctx := context.Background()
	stopErr := f.Stop(ctx, id)
	if err := f.Shutdown(ctx); err != nil {
		cmdLogger.Warn("error during shutdown", err)
	}
	if stopErr != nil {
		return exitcodes.NewErrorWithExitCode(stopErr, exitcodes.ExitCodeUnexpectedError)
	}
	return nil
}

func printEvent(event notify.Event) {
	fmt.Printf("[%s] %s: %v\n", event.ChainID, event.Type, event.Payload)
}

// exitCodeForStartError maps a synchronous Start error to the spec.md §6 exit code it represents.
func exitCodeForStartError(err error) int {
	switch {
	case chainerr.Is(err, chainerr.KindValidation):
		return exitcodes.ExitCodeInvalidConfig
	case chainerr.Is(err, chainerr.KindResourceConflict):
		return exitcodes.ExitCodeResourceConflict
	default:
		return exitcodes.ExitCodeUnexpectedError
	}
}
