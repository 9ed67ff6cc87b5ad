package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/nathsou/wapps/executor"
	"github.com/nathsou/wapps/framebuffer"
	"github.com/nathsou/wapps/input"
)

var debugCmd = &cobra.Command{
	Use:   "debug <package.wapp>",
	Short: "Drive a session tick by tick",
	Long: `Interactively drive a session, one tick at a time.

The session only advances when you ask, so guest state can be
inspected between frames. Frames can be written out as PNGs for
pixel-level checks. Type 'help' inside the session for the command
list.`,
	Args: cobra.ExactArgs(1),
	Run:  runDebug,
}

func init() {
	debugCmd.Flags().Int64("seed", 0, "Random seed (implies --deterministic)")
	debugCmd.Flags().Bool("deterministic", false, "Fixed clock and seeded randomness")
	debugCmd.Flags().String("history", "", "History file path (default: ~/.wapps_history)")
	rootCmd.AddCommand(debugCmd)
}

func runDebug(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	logger := newLogger(cfg)
	defer logger.Sync()

	deterministic, _ := cmd.Flags().GetBool("deterministic")
	seed, _ := cmd.Flags().GetInt64("seed")
	if cmd.Flags().Changed("seed") {
		deterministic = true
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".wapps_history")
	}

	pkg := loadPackage(args[0])

	exec := buildExecutor(cfg, logger)
	defer exec.Close()

	opts := []executor.SessionOption{
		executor.WithFallbackTitle(titleFallback(args[0])),
		executor.WithStdout(os.Stdout),
		executor.WithStderr(os.Stderr),
	}
	if deterministic {
		opts = append(opts, executor.WithDeterministic(seed))
	}

	session, err := exec.Load(context.Background(), pkg, opts...)
	exitOn(err)
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "wapps> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	exitOn(err)
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "%s debug session (type 'help' for commands, Ctrl+D to exit)\n", session.Title())

	d := &debugger{session: session}
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := d.dispatch(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// debugger drives one session from typed commands.
type debugger struct {
	session *executor.Session
	latest  *image.RGBA
}

const debugHelp = `Commands:
  tick [n] [dt]          advance n ticks (default 1, dt in seconds, default 1/60)
  key <name> [down|up]   queue a key event (default: press then release)
  move <x> <y>           queue pointer motion
  press <x> <y> [btn]    queue a button press (1 primary, 2 middle, 3 secondary)
  release <x> <y> [btn]  queue a button release
  resize <w> <h>         request a surface resize
  frame [file.png]       write the latest frame as a PNG
  state                  show session state
  info                   show the loaded package's manifest
  exit                   quit`

func (d *debugger) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "help":
		fmt.Println(debugHelp)
		return nil
	case "tick":
		return d.tick(rest)
	case "key":
		return d.key(rest)
	case "move":
		return d.pointer(rest, "move")
	case "press":
		return d.pointer(rest, "press")
	case "release":
		return d.pointer(rest, "release")
	case "resize":
		return d.resize(rest)
	case "frame":
		return d.frame(rest)
	case "state":
		d.state()
		return nil
	case "info":
		d.info()
		return nil
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (d *debugger) tick(args []string) error {
	n := 1
	dt := 1.0 / 60
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("invalid tick count %q", args[0])
		}
		n = v
	}
	if len(args) > 1 {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid tick dt %q", args[1])
		}
		dt = v
	}

	ctx := context.Background()
	for i := 0; i < n; i++ {
		frame, err := d.session.Step(ctx, dt)
		if err != nil {
			if errors.Is(err, executor.ErrClosed) {
				fmt.Println("guest stopped")
				return nil
			}
			var oob *framebuffer.OutOfBoundsError
			if errors.As(err, &oob) {
				fmt.Printf("tick %d: frame skipped: %v\n", d.session.Ticks(), oob)
				continue
			}
			return err
		}
		if frame != nil {
			d.latest = frame
		}
	}
	d.state()
	return nil
}

func (d *debugger) key(args []string) error {
	if len(args) == 0 {
		return errors.New("key needs a name (try: key space)")
	}
	code, ok := input.KeyCode(args[0])
	if !ok {
		return fmt.Errorf("unknown key %q", args[0])
	}

	dir := "both"
	if len(args) > 1 {
		dir = args[1]
	}
	switch dir {
	case "down":
		d.session.Enqueue(input.KeyDown{Code: code})
	case "up":
		d.session.Enqueue(input.KeyUp{Code: code})
	case "both":
		d.session.Enqueue(input.KeyDown{Code: code})
		d.session.Enqueue(input.KeyUp{Code: code})
	default:
		return fmt.Errorf("invalid key direction %q (use down or up)", dir)
	}
	return nil
}

func (d *debugger) pointer(args []string, kind string) error {
	if len(args) < 2 {
		return fmt.Errorf("%s needs x and y", kind)
	}
	x, err := parseCoord(args[0])
	if err != nil {
		return err
	}
	y, err := parseCoord(args[1])
	if err != nil {
		return err
	}

	button := input.ButtonPrimary
	if len(args) > 2 {
		v, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil || v < 1 || v > 3 {
			return fmt.Errorf("invalid button %q (use 1, 2, or 3)", args[2])
		}
		button = int32(v)
	}

	switch kind {
	case "move":
		d.session.Enqueue(input.PointerMove{X: x, Y: y})
	case "press":
		d.session.Enqueue(input.PointerDown{X: x, Y: y, Button: button})
	case "release":
		d.session.Enqueue(input.PointerUp{X: x, Y: y, Button: button})
	}
	return nil
}

func parseCoord(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q", s)
	}
	return int32(v), nil
}

func (d *debugger) resize(args []string) error {
	if len(args) < 2 {
		return errors.New("resize needs width and height")
	}
	w, err := parseCoord(args[0])
	if err != nil {
		return err
	}
	h, err := parseCoord(args[1])
	if err != nil {
		return err
	}
	d.session.Resize(w, h)
	fmt.Println("resize queued for the next tick")
	return nil
}

func (d *debugger) frame(args []string) error {
	if d.latest == nil {
		return errors.New("no frame presented yet (try: tick)")
	}
	path := fmt.Sprintf("frame-%d.png", d.session.Ticks())
	if len(args) > 0 {
		path = args[0]
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, d.latest); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%dx%d)\n", path, d.latest.Rect.Dx(), d.latest.Rect.Dy())
	return nil
}

func (d *debugger) state() {
	s := d.session
	fmt.Printf("state=%s ticks=%d", s.State(), s.Ticks())
	if desc := s.Frame(); !desc.Empty() {
		fmt.Printf(" frame=%dx%d@0x%x gen=%d", desc.Width, desc.Height, desc.Pointer, desc.Generation)
	}
	if err := s.Err(); err != nil {
		fmt.Printf(" err=%v", err)
	}
	fmt.Println()
}

func (d *debugger) info() {
	m := d.session.Manifest()
	fmt.Printf("title: %s\n", d.session.Title())
	if m.Author != "" {
		fmt.Printf("author: %s\n", m.Author)
	}
	if m.Version != "" {
		fmt.Printf("version: %s\n", m.Version)
	}
	if m.Description != "" {
		fmt.Printf("description: %s\n", m.Description)
	}
	for _, k := range sortedKeys(m.Extra) {
		fmt.Printf("%s: %v\n", k, m.Extra[k])
	}
}
