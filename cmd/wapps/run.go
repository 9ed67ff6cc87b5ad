package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/log"
	"github.com/nathsou/wapps/replay"
	"github.com/nathsou/wapps/tui"
	"github.com/nathsou/wapps/wapp"
)

var runCmd = &cobra.Command{
	Use:   "run <package.wapp>",
	Short: "Run a package in the terminal",
	Long: `Run a wapp package.

By default the guest renders interactively in the terminal. Keyboard
and mouse input is forwarded; ctrl+c quits. With --frames the guest
runs headless for a fixed number of ticks, which suits scripting and
smoke tests. With --replay a recorded input stream drives the guest
instead of the terminal.

Interactive logs go to --log-file when set and are dropped otherwise;
stderr belongs to the terminal surface while a session renders.`,
	Args: cobra.ExactArgs(1),
	Run:  runRun,
}

func init() {
	runCmd.Flags().Int("fps", 0, "Tick rate (default from config, 60)")
	runCmd.Flags().String("title", "", "Session title when the manifest has no name")
	runCmd.Flags().String("record", "", "Record input to a replay file")
	runCmd.Flags().String("replay", "", "Play back a recorded replay file")
	runCmd.Flags().Int("frames", 0, "Run headless for N ticks and exit")
	runCmd.Flags().Int64("seed", 0, "Random seed (implies --deterministic)")
	runCmd.Flags().Bool("deterministic", false, "Fixed clock and seeded randomness")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	fps, _ := cmd.Flags().GetInt("fps")
	if fps <= 0 {
		fps = cfg.FPS
	}
	if fps <= 0 {
		fps = 60
	}
	title, _ := cmd.Flags().GetString("title")
	recordPath, _ := cmd.Flags().GetString("record")
	replayPath, _ := cmd.Flags().GetString("replay")
	frames, _ := cmd.Flags().GetInt("frames")
	seed, _ := cmd.Flags().GetInt64("seed")
	deterministic, _ := cmd.Flags().GetBool("deterministic")
	if cmd.Flags().Changed("seed") {
		deterministic = true
	}

	interactive := frames <= 0 && replayPath == ""

	var logger *zap.Logger
	if interactive && cfg.Log.File == "" {
		logger = log.Nop()
	} else {
		logger = newLogger(cfg)
	}
	defer logger.Sync()

	pkg := loadPackage(args[0])
	if title == "" {
		title = titleFallback(args[0])
	}

	exec := buildExecutor(cfg, logger)
	defer exec.Close()

	guestOut := &zapio.Writer{Log: logger.Named("guest"), Level: zapcore.InfoLevel}
	guestErr := &zapio.Writer{Log: logger.Named("guest"), Level: zapcore.WarnLevel}
	defer guestOut.Close()
	defer guestErr.Close()

	sessionOpts := []executor.SessionOption{
		executor.WithFallbackTitle(title),
		executor.WithStdout(guestOut),
		executor.WithStderr(guestErr),
	}
	if deterministic {
		sessionOpts = append(sessionOpts, executor.WithDeterministic(seed))
	}

	switch {
	case replayPath != "":
		runReplay(exec, pkg, replayPath, sessionOpts, logger)
	case frames > 0:
		runHeadless(exec, pkg, frames, fps, sessionOpts, logger)
	default:
		runInteractive(exec, pkg, fps, recordPath, seed, sessionOpts, logger)
	}
}

func runInteractive(exec *executor.Executor, pkg *wapp.Package, fps int, recordPath string, seed int64, opts []executor.SessionOption, logger *zap.Logger) {
	session, err := exec.Load(context.Background(), pkg, opts...)
	exitOn(err)
	defer session.Close()

	tuiOpts := tui.Options{FPS: fps, Logger: logger}

	if recordPath != "" {
		f, err := os.Create(recordPath)
		exitOn(err)
		defer f.Close()

		w := replay.NewWriter(f)
		exitOn(w.WriteHeader(replay.Header{
			Title:   session.Title(),
			Created: time.Now(),
			Seed:    seed,
		}))
		tuiOpts.Recorder = w
	}

	exitOn(tui.Run(session, tuiOpts))
}

func runHeadless(exec *executor.Executor, pkg *wapp.Package, frames, fps int, opts []executor.SessionOption, logger *zap.Logger) {
	session, err := exec.Load(context.Background(), pkg, opts...)
	exitOn(err)
	defer session.Close()

	ctx := context.Background()
	dt := 1.0 / float64(fps)
	presented := 0
	for i := 0; i < frames; i++ {
		frame, err := session.Step(ctx, dt)
		if err != nil {
			if errors.Is(err, executor.ErrClosed) {
				break
			}
			var oob *framebuffer.OutOfBoundsError
			if errors.As(err, &oob) {
				logger.Warn("frame skipped", zap.Error(err))
				continue
			}
			exitOn(err)
		}
		if frame != nil {
			presented++
		}
	}
	fmt.Printf("ran %d ticks, presented %d frames\n", session.Ticks(), presented)
}

func runReplay(exec *executor.Executor, pkg *wapp.Package, path string, opts []executor.SessionOption, logger *zap.Logger) {
	f, err := os.Open(path)
	exitOn(err)
	defer f.Close()

	r := replay.NewReader(f)
	hdr, err := r.ReadHeader()
	exitOn(err)

	// Play back under the recorded seed so the run reproduces.
	opts = append(opts, executor.WithDeterministic(hdr.Seed))

	session, err := exec.Load(context.Background(), pkg, opts...)
	exitOn(err)
	defer session.Close()

	logger.Info("replaying",
		zap.String("title", hdr.Title),
		zap.Time("created", hdr.Created),
		zap.Int64("seed", hdr.Seed),
	)

	ctx := context.Background()
	for {
		rec, err := r.ReadTick()
		if err == io.EOF {
			break
		}
		var ferr *replay.FrameError
		if errors.As(err, &ferr) && !ferr.IsFatal() {
			logger.Warn("skipping undecodable tick record", zap.Error(err))
			continue
		}
		exitOn(err)

		for _, evr := range rec.Events {
			if ev, ok := evr.Event(); ok {
				session.Enqueue(ev)
			}
		}
		if _, err := session.Step(ctx, rec.Dt); err != nil {
			if errors.Is(err, executor.ErrClosed) {
				break
			}
			var oob *framebuffer.OutOfBoundsError
			if errors.As(err, &oob) {
				logger.Warn("frame skipped", zap.Error(err))
				continue
			}
			exitOn(err)
		}
	}
	fmt.Printf("replayed %d ticks\n", session.Ticks())
}
