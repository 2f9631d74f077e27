package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/openfroyo/ccrecon/pkg/config"
)

func newWatchCommand() *cobra.Command {
	var (
		flags    runFlags
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch PATH...",
		Short: "Reconcile again whenever declaration files change",
		Long: `Run once, then watch PATH and run again after every change to a
declaration file. Policy files under policy.paths are reloaded as well.
The metrics endpoint is served while watching when metrics.listen_address
is set.

Stop with Ctrl-C.`,
		Example: `  # Keep the lab controller in sync with ./network
  ccrecon watch ./network

  # Only report drift
  ccrecon watch --mode check ./network`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connect(ctx); err != nil {
				return err
			}
			if _, err := flags.apply(a, ""); err != nil {
				return err
			}

			a.telemetry.StartMetricsServer()
			if a.guard != nil && len(a.cfg.Policy.Paths) > 0 {
				if err := a.guard.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
			}

			return a.watch(ctx, cmd, args, &flags, debounce)
		},
	}

	flags.register(cmd, true)
	cmd.Flags().DurationVar(&debounce, "debounce", time.Second, "quiet period before a run")
	return cmd
}

// watch runs the declarations under paths once and then after each change
// until ctx is done. Runs never overlap.
func (a *app) watch(ctx context.Context, cmd *cobra.Command, paths []string, flags *runFlags, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Files are watched through their directory so editors that replace
	// the file on save are still seen.
	files := make(map[string]bool)
	var dirs []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			abs, _ := filepath.Abs(path)
			files[abs] = true
			if err := watcher.Add(filepath.Dir(abs)); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			if p != path && len(d.Name()) > 1 && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return watcher.Add(p)
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		abs, _ := filepath.Abs(path)
		dirs = append(dirs, abs+string(filepath.Separator))
	}

	relevant := func(name string) bool {
		if !config.IsDeclarationFile(name) {
			return false
		}
		abs, _ := filepath.Abs(name)
		if files[abs] {
			return true
		}
		for _, dir := range dirs {
			if strings.HasPrefix(abs, dir) {
				return true
			}
		}
		return false
	}

	run := func() {
		report, err := a.runOnce(cmd, paths, "", flags)
		if err != nil {
			a.logger.WithError(err).Error("Run failed")
			return
		}
		if err := printReport(cmd.OutOrStdout(), report, flags.diff); err != nil {
			a.logger.WithError(err).Error("Failed to print report")
		}
	}

	run()

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !relevant(event.Name) {
				continue
			}
			a.logger.WithField("file", event.Name).
				WithField("op", event.Op.String()).
				Debug("Declaration file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			run()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.WithError(err).Error("Watcher error")
		}
	}
}
