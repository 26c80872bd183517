// Command plantassist is the terminal client of the water-treatment plant
// assistant: a dashboard of sections, chat with image attachments, PDF search
// and voice sessions through the host microphone and speaker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/vango-go/plantassist/pkg/app"
	"github.com/vango-go/plantassist/pkg/assistant"
	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/audio/device"
	"github.com/vango-go/plantassist/pkg/config"
	"github.com/vango-go/plantassist/pkg/i18n"
	"github.com/vango-go/plantassist/pkg/live"
)

type options struct {
	ConfigPath string
	Lang       string
	Section    string
	NoAudio    bool
	Verbose    bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	flags := flag.NewFlagSet("plantassist", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.StringVar(&opts.ConfigPath, "config", "", "config file (.yaml or .json); defaults to PLANTASSIST_CONFIG")
	flags.StringVar(&opts.Lang, "lang", "", "interface language: ar or en")
	flags.StringVar(&opts.Section, "section", "", "open this section directly")
	flags.BoolVar(&opts.NoAudio, "no-audio", false, "disable microphone and speaker")
	flags.BoolVar(&opts.Verbose, "v", false, "log at debug level")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if flags.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}
	if opts.Lang != "" && !supportedLang(opts.Lang) {
		return options{}, fmt.Errorf("lang must be one of ar, en")
	}
	if opts.Section != "" {
		if _, ok := assistant.Lookup(i18n.Default().Lang, assistant.SectionID(opts.Section)); !ok {
			return options{}, fmt.Errorf("unknown section %q", opts.Section)
		}
	}
	return opts, nil
}

func supportedLang(lang string) bool {
	for _, l := range i18n.Supported() {
		if string(l) == lang {
			return true
		}
	}
	return false
}

// hostAudio opens the speaker and shares one microphone across sections;
// only one voice session can hold it at a time.
func hostAudio(cfg config.Config, logger *slog.Logger) (app.Deps, func(), error) {
	mic := &device.Microphone{SampleRate: cfg.Audio.CaptureRate, Logger: logger}
	deps := app.Deps{
		Microphone: func(assistant.SectionID) live.Microphone { return mic },
	}
	if !cfg.Audio.Playback {
		return deps, func() {}, nil
	}
	rate := cfg.Audio.PlaybackRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	spk, err := device.NewSpeaker(rate)
	if err != nil {
		return app.Deps{}, nil, fmt.Errorf("open speaker: %w", err)
	}
	deps.Audio = spk
	return deps, func() { _ = spk.Close() }, nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "plantassist: %v\n", err)
		return 1
	}
	opts, err := parseOptions(args)
	if err != nil {
		fmt.Fprintf(stderr, "plantassist: %v\n", err)
		return 2
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "plantassist: %v\n", err)
		return 1
	}
	if opts.Lang != "" {
		cfg.Language = opts.Lang
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Log.NewLogger(stderr)

	deps := app.Deps{}
	closeAudio := func() {}
	if !opts.NoAudio {
		deps, closeAudio, err = hostAudio(cfg, logger)
		if err != nil {
			logger.Warn("audio unavailable, voice disabled", "error", err)
			deps, closeAudio = app.Deps{}, func() {}
		}
	}
	defer closeAudio()

	a, err := app.New(ctx, cfg, logger, deps)
	if err != nil {
		fmt.Fprintf(stderr, "plantassist: %v\n", err)
		return 1
	}
	defer a.Close()

	r := newREPL(a, stdin, stdout)
	r.readSecret = terminalSecret(stdin)
	if opts.Section != "" {
		r.open(ctx, assistant.SectionID(opts.Section))
	}
	if err := r.run(ctx); err != nil {
		fmt.Fprintf(stderr, "plantassist: %v\n", err)
		return 1
	}
	return 0
}

// terminalSecret reads without echo when stdin is a terminal.
func terminalSecret(stdin io.Reader) func() (string, bool) {
	f, ok := stdin.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	return func() (string, bool) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
