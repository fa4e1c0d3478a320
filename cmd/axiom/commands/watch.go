package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/policy"
)

// rebuildDelay debounces bursts of writes from editors.
const rebuildDelay = 200 * time.Millisecond

func newWatchCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [path...]",
		Short: "Recompile a patch whenever it changes",
		Long: `Compile a patch and keep recompiling it as its files change.

Only what changed between two versions of the patch is recompiled: nodes
that are still described keep their compiled modules and control groups
keep their values. Policy files named in the settings are reloaded when
they change.`,
		Example: `  # Watch the patch directory and expose metrics
  axiom watch --metrics-addr :9090 ./patches`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer w.close(ctx)

			if metricsAddr != "" {
				go func() {
					if err := w.tel.Metrics.Serve(ctx, metricsAddr); err != nil {
						w.logger.WithError(err).Error("Metrics server failed")
					}
				}()
			}

			if w.policies != nil && len(w.policies.Paths()) > 0 {
				loader := policy.NewLoader(*w.tel.Logger.Zerolog())
				if err := loader.Watch(ctx, w.policies.Paths(), w.policies.ReplacePolicies); err != nil {
					return err
				}
				defer func() { _ = loader.StopWatching() }()
			}

			return w.watch(ctx, args, rebuildDelay, func(report *compileReport, err error) {
				render(cmd.OutOrStdout(), report, err)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func render(out io.Writer, report *compileReport, err error) {
	if jsonOutput {
		_ = writeJSON(out, report)
		return
	}
	report.writeText(out)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
}

// watch builds sources once and again after every change to a patch file
// until ctx is done. Every build runs on the calling goroutine.
func (w *workspace) watch(ctx context.Context, sources []string, delay time.Duration, onBuild func(*compileReport, error)) error {
	if len(sources) == 0 {
		sources = []string{"."}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, dir := range watchDirs(sources) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	raised := w.rt.ErrorRaised().Subscribe(func(ev engine.ErrorRaisedEvent) {
		w.logger.WithFields(map[string]interface{}{
			"class": ev.Entry.Class,
			"code":  ev.Entry.Code,
		}).Warn(ev.Entry.Message)
	})
	defer raised.Unsubscribe()
	recompiled := w.rt.Recompiled().Subscribe(func(ev engine.RecompiledEvent) {
		w.logger.WithSurface(ev.Surface.Name()).WithPass(ev.Pass).
			Debugf("Recompiled %d units", len(ev.Units))
	})
	defer recompiled.Unsubscribe()

	onBuild(w.build(ctx, sources))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || filepath.Ext(event.Name) != ".cue" {
				continue
			}
			w.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Patch file changed")

			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			onBuild(w.build(ctx, sources))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// watchDirs returns the directories to watch for sources. Files are
// watched through their directory so that editors replacing them on save
// keep being seen.
func watchDirs(sources []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, src := range sources {
		dir := src
		if info, err := os.Stat(src); err == nil && !info.IsDir() {
			dir = filepath.Dir(src)
		}
		dir = filepath.Clean(dir)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
